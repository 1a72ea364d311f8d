package httpapi

import (
	"context"
	"net/http"

	"conductor/pkg/proto"
)

// streamBuffer decouples the facade from a slow client for short bursts;
// past it the facade blocks, which is the intended backpressure.
const streamBuffer = 64

// stream runs one facade call and relays its chunks as NDJSON, one JSON
// object per line, flushed per chunk. The response is committed on the
// first chunk: an error before any chunk maps to a proper status code, an
// error after that is appended as a terminal error line.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, out chan<- proto.StreamChunk) error) {
	out := make(chan proto.StreamChunk, streamBuffer)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		errc <- run(r.Context(), out)
	}()

	var flusher http.Flusher
	streaming := false
	for chunk := range out {
		if !streaming {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			flusher, _ = w.(http.Flusher)
			streaming = true
		}
		s.writeChunk(w, flusher, chunk)
	}

	if err := <-errc; err != nil {
		if !streaming {
			s.writeError(w, err)
			return
		}
		// Headers are out; the stream's own protocol carries the failure.
		s.logger.Error("stream failed after chunks were sent: %v", err)
		s.writeChunk(w, flusher, proto.NewErrorChunk(err.Error(), nil))
	}
}

func (s *Server) writeChunk(w http.ResponseWriter, flusher http.Flusher, chunk proto.StreamChunk) {
	data, err := chunk.Encode()
	if err != nil {
		s.logger.Error("Failed to encode %s chunk: %v", chunk.Type, err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Debug("client went away mid-stream: %v", err)
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}
