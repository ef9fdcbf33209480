package pipeline

import "context"

// ObjectStore is the narrow slice of an object storage bucket the pipeline
// needs. Implementations are bound to a single bucket; keys are object names
// within it. List reflects the backend's consistency model, which may lag
// real writes, so callers must treat a short listing as "not yet", never as
// proof of absence.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Entity is one structured item extracted from a document.
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// ParseResult is the outcome of a synchronous parse.
type ParseResult struct {
	Text     string
	Entities []Entity
}

// BatchStatus is the observed state of a batch operation.
type BatchStatus struct {
	Done bool
	// Err is the operation-level failure message, set only when the remote
	// service reports the operation itself as terminally failed. Transport
	// failures while polling are returned as errors instead.
	Err string
}

// Parser is the remote document parsing service. ParseSync handles a single
// bounded-latency document. BatchStart begins a long-running operation over
// a set of input URIs and returns an opaque handle; BatchPoll checks that
// handle without blocking for the operation's duration.
type Parser interface {
	ParseSync(ctx context.Context, uri, mimeType string) (*ParseResult, error)
	BatchStart(ctx context.Context, uris []string, mimeType, outputPrefix string) (string, error)
	BatchPoll(ctx context.Context, handle string) (*BatchStatus, error)
}
