package models

import "time"

// Unit represents the master record for one document ingestion job in
// Firestore. The document ID is the unit's folder key in the source bucket.
// It mirrors the checkpoint status so operators can query jobs without
// touching the output bucket.
type Unit struct {
	FileHash         string    `firestore:"fileHash,omitempty"`
	OriginalFilename string    `firestore:"originalFilename,omitempty"`
	Status           string    `firestore:"status,omitempty"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty"`
	ChunkCount       int       `firestore:"chunkCount,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt,omitempty"`
}
