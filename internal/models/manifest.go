package models

import "time"

// Manifest declares the full chunk set for one unit. It is written exactly
// once by the upload gateway and never mutated afterwards; the orchestrator
// treats it as read-only.
type Manifest struct {
	ExpectedCount      int       `json:"expected_count"`
	DeclaredChunkNames []string  `json:"declared_chunk_names"`
	OriginalFilename   string    `json:"original_filename"`
	CreatedAt          time.Time `json:"created_at"`
}
