package testkit

import (
	"testing"
	"time"

	"conductor/pkg/proto"
)

// drainTimeout bounds how long a test waits for a producer to close its
// stream before the test is failed.
const drainTimeout = 5 * time.Second

// DrainChunks collects every chunk until the stream closes, failing the test
// if the producer does not close it promptly.
func DrainChunks(t *testing.T, ch <-chan proto.StreamChunk) []proto.StreamChunk {
	t.Helper()

	var chunks []proto.StreamChunk
	timeout := time.After(drainTimeout)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatalf("stream did not close; got %d chunks so far", len(chunks))
		}
	}
}

// ChunkTypes returns the type sequence of a drained stream.
func ChunkTypes(chunks []proto.StreamChunk) []proto.ChunkType {
	out := make([]proto.ChunkType, len(chunks))
	for i, chunk := range chunks {
		out[i] = chunk.Type
	}
	return out
}

// FirstChunk returns the first chunk of the given type.
func FirstChunk(chunks []proto.StreamChunk, typ proto.ChunkType) (proto.StreamChunk, bool) {
	for _, chunk := range chunks {
		if chunk.Type == typ {
			return chunk, true
		}
	}
	return proto.StreamChunk{}, false
}
