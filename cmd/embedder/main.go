package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	embedderInstance *services.EmbedderFunction
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("EmbedChunks", embedChunks)
}

func main() {}

// embedChunks handles one output-bucket object-finalized event.
func embedChunks(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		embedderInstance, initErr = services.NewEmbedder(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return embedderInstance.Process(ctx, gcsEvent)
}
