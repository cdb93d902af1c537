package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Collab    CollabConfig
	Auth      AuthConfig
	CORS      CORSConfig
	Redis     RedisConfig
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig tunes websocket connections.
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
}

// CollabConfig tunes the collaboration core.
type CollabConfig struct {
	// AutosaveInterval is how often a room with members is persisted.
	AutosaveInterval time.Duration
	// EvictionGrace is how long an empty room stays resident; a rejoin
	// within the window reuses the in-memory document.
	EvictionGrace time.Duration
	// ShutdownSaveTimeout bounds the save-everything sweep on termination.
	ShutdownSaveTimeout time.Duration
	// SaveTimeout bounds a single storage write.
	SaveTimeout time.Duration
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	// JWTSecret verifies room tokens; empty disables verification (dev).
	JWTSecret string
}

// CORSConfig for browser clients.
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// RedisConfig for the optional occupancy mirror; empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from the environment.
func Load() *Config {
	// .env is optional
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] no .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getInt("WS_WRITE_BUFFER_SIZE", 4096),
			SendBuffer:      getInt("WS_SEND_BUFFER", 64),
		},
		Collab: CollabConfig{
			AutosaveInterval:    getDuration("COLLAB_AUTOSAVE_INTERVAL", 30*time.Second),
			EvictionGrace:       getDuration("COLLAB_EVICTION_GRACE", 5*time.Minute),
			ShutdownSaveTimeout: getDuration("COLLAB_SHUTDOWN_SAVE_TIMEOUT", 10*time.Second),
			SaveTimeout:         getDuration("COLLAB_SAVE_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

// getEnv reads an environment variable with a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt reads an integer environment variable.
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getDuration reads a duration environment variable; bare numbers are seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
