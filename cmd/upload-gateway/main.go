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

// maxUploadBytes caps the multipart form held in memory before spilling to
// disk.
const maxUploadBytes = 64 << 20

var (
	uploaderInstance *services.UploaderFunction
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleUpload", handleUpload)
}

func main() {}

// handleUpload accepts a multipart document upload, splits it into chunks in
// the source bucket and registers the unit for processing.
func handleUpload(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		uploaderInstance, initErr = services.NewUploader(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: uploader initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed: use POST", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		slog.Warn("Could not parse multipart form", "error", err)
		http.Error(w, "Bad Request: could not parse multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		slog.Warn("Missing file field in upload", "error", err)
		http.Error(w, "Bad Request: missing \"file\" form field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	res, err := uploaderInstance.Process(r.Context(), header.Filename, file)
	if err != nil {
		// Error is already logged with context in the Process method.
		http.Error(w, "Internal Server Error: upload processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "filename", header.Filename)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
