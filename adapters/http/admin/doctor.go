package admin

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// Pinger checks a storage connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Diagnostics describes what the doctor report inspects.
type Diagnostics struct {
	Version          string
	Database         Pinger // nil for the in-memory driver
	GatewayURL       string
	Models           int
	PaymentsEnabled  bool
	DirectoryEnabled bool
	TestAccounts     func() int
}

// DoctorResponse represents the system health check response.
type DoctorResponse struct {
	Status    string        `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version"`
	Checks    []HealthCheck `json:"checks"`
	System    SystemInfo    `json:"system"`
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// SystemInfo represents system information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAlloc     string `json:"mem_alloc"`
	Uptime       string `json:"uptime"`
}

var startTime = time.Now()

// Doctor reports on storage, the model gateway, billing and identity wiring.
func (h *Handler) Doctor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	response := DoctorResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.diag.Version,
		Checks: []HealthCheck{
			h.checkDatabase(ctx),
			h.checkGateway(),
			h.checkBilling(),
			h.checkIdentity(),
			h.checkLedger(),
		},
	}

	hasWarn, hasFail := false, false
	for _, check := range response.Checks {
		switch check.Status {
		case "warn":
			hasWarn = true
		case "fail":
			hasFail = true
		}
	}
	if hasFail {
		response.Status = "unhealthy"
	} else if hasWarn {
		response.Status = "degraded"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	response.System = SystemInfo{
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		MemAlloc:     formatBytes(memStats.Alloc),
		Uptime:       time.Since(startTime).Round(time.Second).String(),
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (h *Handler) checkDatabase(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "database", Status: "pass"}
	if h.diag.Database == nil {
		check.Status = "warn"
		check.Message = "In-memory storage, data is lost on restart"
		return check
	}

	start := time.Now()
	err := h.diag.Database.Ping(ctx)
	check.Latency = time.Since(start).String()
	if err != nil {
		check.Status = "fail"
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
	} else {
		check.Message = "Database connection healthy"
	}
	return check
}

func (h *Handler) checkGateway() HealthCheck {
	check := HealthCheck{Name: "gateway", Status: "pass"}
	switch {
	case h.diag.Models == 0:
		check.Status = "fail"
		check.Message = "No models registered"
	case h.diag.GatewayURL == "":
		check.Status = "warn"
		check.Message = fmt.Sprintf("%d models, default gateway URL", h.diag.Models)
	default:
		check.Message = fmt.Sprintf("%d models via %s", h.diag.Models, h.diag.GatewayURL)
	}
	return check
}

func (h *Handler) checkBilling() HealthCheck {
	check := HealthCheck{Name: "billing", Status: "pass", Message: "Stripe configured"}
	if !h.diag.PaymentsEnabled {
		check.Status = "warn"
		check.Message = "Payments disabled, webhooks are rejected"
	}
	return check
}

func (h *Handler) checkIdentity() HealthCheck {
	check := HealthCheck{Name: "identity", Status: "pass", Message: "Directory lookup enabled"}
	if !h.diag.DirectoryEnabled {
		check.Status = "warn"
		check.Message = "No identity directory, billing events for unknown emails stay unresolved"
	}
	return check
}

func (h *Handler) checkLedger() HealthCheck {
	check := HealthCheck{Name: "ledger", Status: "pass", Message: "No test accounts"}
	if h.diag.TestAccounts != nil {
		if n := h.diag.TestAccounts(); n > 0 {
			check.Status = "warn"
			check.Message = fmt.Sprintf("%d test accounts bypass credit checks", n)
		}
	}
	return check
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
