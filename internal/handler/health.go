package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// HealthHandler reports component health.
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// ComponentCheck is one component's health entry.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// Check pings the database and reports overall health.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	if h.db == nil {
		response.Checks["database"] = ComponentCheck{Status: "not_configured"}
	} else {
		dbStart := time.Now()
		sqlDB, err := h.db.DB()
		if err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "failed to get database connection",
			}
		} else if err := sqlDB.Ping(); err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "database ping failed",
			}
		} else {
			response.Checks["database"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(dbStart).String(),
			}
		}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}
	return c.Status(statusCode).JSON(response)
}

// Liveness is a bare process-is-up probe.
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}
