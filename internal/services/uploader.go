package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/pipeline"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"
)

type UploaderConfig struct {
	ProjectID      string
	SourceBucket   string
	CollectionName string
	ChunkSizeMB    int
}

// UploaderFunction receives a document, optionally optimizes PDFs, splits
// the bytes into transportable chunks, uploads them, and declares the full
// chunk set in the unit's manifest. The manifest write is last: the
// orchestrator cannot see a complete set before every chunk is durable.
type UploaderFunction struct {
	storageClient   *storage.Client
	firestoreClient *firestore.Client
	source          *gcp.BucketStore
	config          UploaderConfig
}

func loadUploaderConfig() (*UploaderConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	sourceBucket := gcp.GetEnv("SOURCE_BUCKET", "")
	if sourceBucket == "" {
		return nil, fmt.Errorf("SOURCE_BUCKET environment variable must be set")
	}
	chunkSizeMB := 50
	if raw := gcp.GetEnv("CHUNK_SIZE_MB", ""); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &chunkSizeMB); err != nil || chunkSizeMB < 1 {
			return nil, fmt.Errorf("CHUNK_SIZE_MB must be a positive integer, got %q", raw)
		}
	}
	return &UploaderConfig{
		ProjectID:      projectID,
		SourceBucket:   sourceBucket,
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "units"),
		ChunkSizeMB:    chunkSizeMB,
	}, nil
}

func NewUploader(ctx context.Context) (*UploaderFunction, error) {
	config, err := loadUploaderConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, err
	}

	f := &UploaderFunction{
		storageClient:   storageClient,
		firestoreClient: firestoreClient,
		source:          gcp.NewBucketStore(storageClient, config.SourceBucket),
		config:          *config,
	}
	slog.Info("Uploader logic initialized.", "sourceBucket", config.SourceBucket, "chunkSizeMB", config.ChunkSizeMB)
	return f, nil
}

// Process ingests one uploaded document and returns the unit's folder key,
// chunk URIs, and manifest URI.
func (f *UploaderFunction) Process(ctx context.Context, filename string, file io.Reader) (*models.UploadResponse, error) {
	logCtx := slog.With("filename", filename)
	logCtx.Info("Processing new upload.")

	tempDir, err := os.MkdirTemp("", "upload-gateway-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	ext := strings.ToLower(filepath.Ext(filename))
	sourcePath := filepath.Join(tempDir, "source"+ext)
	if err := writeTempFile(sourcePath, file); err != nil {
		return nil, err
	}

	if ext == ".pdf" {
		optimizedPath := filepath.Join(tempDir, "optimized.pdf")
		if err := optimizePDF(sourcePath, optimizedPath); err != nil {
			return nil, fmt.Errorf("failed to validate/optimize PDF: %w", err)
		}
		sourcePath = optimizedPath
	}

	fileHash, err := calculateFileHash(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate file hash: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	if unit, found, err := f.findDuplicate(ctx, fileHash); err != nil {
		return nil, err
	} else if found {
		logCtx.Info("Duplicate file detected. Skipping.", "existingUnit", unit)
		return &models.UploadResponse{
			Message:   "duplicate of an already-ingested document",
			FolderKey: unit,
		}, nil
	}

	unit := newFolderKey()
	logCtx = logCtx.With("unit", unit)

	chunkNames, err := f.splitToChunkFiles(tempDir, sourcePath, ext)
	if err != nil {
		return nil, err
	}
	logCtx.Info("Document split locally.", "chunkCount", len(chunkNames))

	if err := f.uploadChunks(ctx, logCtx, tempDir, unit, chunkNames); err != nil {
		return nil, err
	}

	manifestURI, err := f.writeManifest(ctx, unit, filename, chunkNames)
	if err != nil {
		return nil, err
	}

	if err := f.registerUnit(ctx, unit, fileHash, filename, len(chunkNames)); err != nil {
		return nil, err
	}
	logCtx.Info("Upload complete, manifest declared.")

	chunkURIs := make([]string, 0, len(chunkNames))
	for _, name := range chunkNames {
		chunkURIs = append(chunkURIs, f.source.URI(unit+"/"+name))
	}
	return &models.UploadResponse{
		Message:     "file uploaded and declared successfully",
		FolderKey:   unit,
		ManifestURI: manifestURI,
		ChunkURIs:   chunkURIs,
	}, nil
}

func (f *UploaderFunction) findDuplicate(ctx context.Context, fileHash string) (string, bool, error) {
	docs, err := f.firestoreClient.Collection(f.config.CollectionName).Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", false, fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) > 0 {
		return docs[0].Ref.ID, true, nil
	}
	return "", false, nil
}

// splitToChunkFiles splits the source file into chunk files in tempDir and
// returns their names in split order.
func (f *UploaderFunction) splitToChunkFiles(tempDir, sourcePath, ext string) ([]string, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("could not reopen source file: %w", err)
	}
	defer source.Close()

	chunkBytes := int64(f.config.ChunkSizeMB) * 1024 * 1024
	var names []string
	_, err = pipeline.Split(source, chunkBytes, func(index int, chunk io.Reader) error {
		name := pipeline.ChunkObjectName(index, ext)
		if err := writeTempFile(filepath.Join(tempDir, name), chunk); err != nil {
			return err
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split document: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("refusing to ingest an empty document")
	}
	return names, nil
}

func (f *UploaderFunction) uploadChunks(ctx context.Context, logCtx *slog.Logger, tempDir, unit string, chunkNames []string) error {
	logCtx.Info("Starting concurrent upload of chunks.", "chunkCount", len(chunkNames))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)

	for _, name := range chunkNames {
		eg.Go(func() error {
			if err := f.uploadFile(gctx, filepath.Join(tempDir, name), unit+"/"+name); err != nil {
				return fmt.Errorf("chunk %s: %w", name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("one or more chunks failed to upload: %w", err)
	}
	logCtx.Info("All chunks uploaded successfully.")
	return nil
}

func (f *UploaderFunction) writeManifest(ctx context.Context, unit, filename string, chunkNames []string) (string, error) {
	manifest := models.Manifest{
		ExpectedCount:      len(chunkNames),
		DeclaredChunkNames: chunkNames,
		OriginalFilename:   filename,
		CreatedAt:          time.Now().UTC(),
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	objectName := unit + "/" + pipeline.ManifestObjectName
	if err := gcp.PutIfAbsent(ctx, f.source.Bucket(), objectName, data); err != nil {
		return "", err
	}
	return f.source.URI(objectName), nil
}

func (f *UploaderFunction) registerUnit(ctx context.Context, unit, fileHash, filename string, chunkCount int) error {
	record := models.Unit{
		FileHash:         fileHash,
		OriginalFilename: filename,
		Status:           models.StatusNew,
		ChunkCount:       chunkCount,
		CreatedAt:        time.Now().UTC(),
	}
	if _, err := f.firestoreClient.Collection(f.config.CollectionName).Doc(unit).Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create unit record: %w", err)
	}
	return nil
}

func (f *UploaderFunction) uploadFile(ctx context.Context, localPath, destObject string) error {
	const maxRetries = 4
	var backoff = 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			localFileReader, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFileReader.Close()

			writeCtx, cancel := context.WithTimeout(ctx, time.Second*50)
			defer cancel()

			gcsWriter := f.source.Bucket().Object(destObject).NewWriter(writeCtx)
			if _, err := io.Copy(gcsWriter, localFileReader); err != nil {
				_ = gcsWriter.Close()
				return fmt.Errorf("io.Copy to GCS failed: %w", err)
			}
			if err := gcsWriter.Close(); err != nil {
				return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
			}
			return nil
		}()

		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", destObject, "error", ctx.Err())
			return ctx.Err()
		}
	}
	slog.Error("Upload failed after all retries.", "gcsObject", destObject, "error", lastErr)
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func writeTempFile(destPath string, r io.Reader) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("failed to write temp file at %s: %w", destPath, err)
	}
	return nil
}

// newFolderKey generates the unique folder key for a unit.
func newFolderKey() string {
	return uuid.NewString()
}
