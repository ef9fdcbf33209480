package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docingest/internal/services"
)

var (
	orchestratorInstance *services.OrchestratorFunction
	once                 sync.Once
	initErr              error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleSweep", handleSweep)
}

func main() {}

// handleSweep is invoked on a schedule. It polls every unit with an
// outstanding remote operation and redrives units that stalled mid-flight.
func handleSweep(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		orchestratorInstance, initErr = services.NewOrchestrator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: sweeper initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	res, err := orchestratorInstance.Sweep(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error: sweep failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
