package main

import (
	"log"
	"os"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"collab-backend/internal/config"
	"collab-backend/internal/database"
	"collab-backend/internal/persist"
	"collab-backend/internal/presence"
	"collab-backend/internal/room"
	"collab-backend/internal/server"
	"collab-backend/internal/store"
	"collab-backend/internal/store/memory"
	"collab-backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	docStore, db := buildStore()
	if db != nil {
		defer database.Close(db)
	}

	var mirror *presence.Mirror
	if cfg.Redis.Addr != "" {
		m, err := presence.NewMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, uuid.NewString())
		if err != nil {
			log.Printf("[Main] redis mirror disabled: %v", err)
		} else {
			mirror = m
			defer mirror.Close()
			log.Printf("[Main] redis occupancy mirror enabled (%s)", cfg.Redis.Addr)
		}
	}

	registry := room.NewRegistry(persist.NewManager(docStore), mirror, room.Options{
		AutosaveInterval: cfg.Collab.AutosaveInterval,
		EvictionGrace:    cfg.Collab.EvictionGrace,
		SaveTimeout:      cfg.Collab.SaveTimeout,
		SendBuffer:       cfg.WebSocket.SendBuffer,
	})

	srv := server.New(cfg, db, registry)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("server failed to start: %v", err)
	}
}

// buildStore selects the durable store. The default is postgres; memory is
// for local development without a database and persists nothing across
// restarts.
func buildStore() (store.DocumentStore, *gorm.DB) {
	if os.Getenv("STORAGE_TYPE") == "memory" {
		log.Printf("[Main] using in-memory document store (no durability)")
		return memory.NewDocumentStore(), nil
	}

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	log.Printf("[Main] database connected")
	return postgres.NewDocumentStore(db), db
}
