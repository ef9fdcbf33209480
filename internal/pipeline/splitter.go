package pipeline

import (
	"fmt"
	"io"
)

// Split reads r sequentially and calls emit once per chunk of at most
// chunkSize bytes, in order. The final chunk may be shorter; empty input
// produces no chunks. emit receives a reader limited to the chunk's bytes
// and must consume it before returning; any unread remainder is discarded to
// keep boundaries deterministic. Split returns the number of chunks emitted.
//
// The function performs no I/O of its own beyond reading r: identical input
// and chunk size always yield identical boundaries and count.
func Split(r io.Reader, chunkSize int64, emit func(index int, chunk io.Reader) error) (int, error) {
	if chunkSize < 1 {
		return 0, fmt.Errorf("chunk size must be at least 1 byte, got %d", chunkSize)
	}

	count := 0
	first := make([]byte, 1)
	for {
		// Probe one byte so emit is never called with an empty chunk.
		if _, err := io.ReadFull(r, first); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, fmt.Errorf("read chunk %d: %w", count, err)
		}

		lr := io.LimitReader(r, chunkSize-1)
		chunk := io.MultiReader(newByteReader(first[0]), lr)
		if err := emit(count, chunk); err != nil {
			return count, fmt.Errorf("chunk %d: %w", count, err)
		}
		if _, err := io.Copy(io.Discard, lr); err != nil {
			return count, fmt.Errorf("drain chunk %d: %w", count, err)
		}
		count++
	}
}

// ChunkObjectName returns the canonical object name for a chunk, e.g.
// "chunk_000.pdf". The ordering of names matches the split order.
func ChunkObjectName(index int, ext string) string {
	return fmt.Sprintf("chunk_%03d%s", index, ext)
}

type byteReader struct {
	b    byte
	done bool
}

func newByteReader(b byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.b
	r.done = true
	return 1, nil
}
