package models

// These structs define the JSON payloads exchanged with the HTTP functions
// and the shape of GCS object-finalize events.

// GCSEvent is the payload of a GCS object notification.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// UploadResponse is returned by the upload gateway after a document has been
// chunked, uploaded, and declared in a manifest.
type UploadResponse struct {
	Message     string   `json:"message"`
	FolderKey   string   `json:"folderKey"`
	ManifestURI string   `json:"manifestUri"`
	ChunkURIs   []string `json:"chunkUris"`
}

// SweepResponse summarizes one scheduled sweep over all unit checkpoints.
type SweepResponse struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}
