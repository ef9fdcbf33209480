package services

import (
	"path"
	"strings"
)

// Object key layout in the output bucket. The unit's folder key is the first
// path segment of every source-bucket object, and every derived artifact
// lives under structured_data/<unit>/.

func structuredPrefix(unit string) string {
	return "structured_data/" + unit + "/"
}

func reportTextKey(unit string) string {
	return structuredPrefix(unit) + "report_text.txt"
}

func reportEntitiesKey(unit string) string {
	return structuredPrefix(unit) + "report_entities.json"
}

func chunksPrefix(unit string) string {
	return structuredPrefix(unit) + "chunks/"
}

func chunksProgressKey(unit string) string {
	return chunksPrefix(unit) + "chunks_metadata.json"
}

func chunksErrorsKey(unit string) string {
	return chunksPrefix(unit) + "chunks_errors.json"
}

func embeddingsPrefix(unit string) string {
	return structuredPrefix(unit) + "embeddings/"
}

func embeddingsProgressKey(unit string) string {
	return embeddingsPrefix(unit) + "embeddings_metadata.json"
}

func embeddingsErrorsKey(unit string) string {
	return embeddingsPrefix(unit) + "embeddings_errors.json"
}

// unitFromSourceObject extracts the unit folder key from a source-bucket
// object name like "ab12cd34/chunk_000.pdf". The second return is false for
// names outside any unit folder.
func unitFromSourceObject(name string) (string, bool) {
	unit, rest, found := strings.Cut(name, "/")
	if !found || unit == "" || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return unit, true
}

// unitFromStructuredObject extracts the unit folder key from an
// output-bucket object name like "structured_data/ab12cd34/report_text.txt".
func unitFromStructuredObject(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "structured_data/")
	if !ok {
		return "", false
	}
	unit, tail, found := strings.Cut(rest, "/")
	if !found || unit == "" || tail == "" {
		return "", false
	}
	return unit, true
}

// isTextChunkObject reports whether name is a text chunk payload (and not
// the chunk progress record or failure log).
func isTextChunkObject(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, "chunk_") && strings.HasSuffix(base, ".json")
}
