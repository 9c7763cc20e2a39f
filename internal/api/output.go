package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobrunner/internal/model"
	"github.com/seantiz/jobrunner/internal/store"
)

func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDispatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		s.logger.Error("get dispatch for output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dispatch")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A finished dispatch has nothing left to stream; use the history endpoint.
	if model.IsTerminal(d.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// If the dispatch finished after the status check, its topic is already
	// closed and the loop below exits at once.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	outputStreamsActive.Inc()
	defer outputStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if line.Kind == model.LineException {
				err = writeSSEEvent(w, line.Kind, line.Line)
			} else {
				err = writeSSEData(w, line.Line)
			}
			if err != nil {
				return // client gone
			}
			outputStreamLines.Inc()
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// outputHistoryLine is a single output line in the history response.
type outputHistoryLine struct {
	Instance  int    `json:"instance"`
	Seq       int    `json:"seq"`
	Kind      string `json:"kind"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// outputHistoryResponse is the JSON response for GET /v1/dispatches/:id/output/history.
type outputHistoryResponse struct {
	DispatchID string              `json:"dispatch_id"`
	Lines      []outputHistoryLine `json:"lines"`
}

func (s *Server) handleGetOutputHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetDispatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		s.logger.Error("get dispatch for output history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dispatch")
		return
	}

	stored, err := s.store.GetOutputLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get output lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output lines")
		return
	}

	lines := make([]outputHistoryLine, len(stored))
	for i, l := range stored {
		lines[i] = outputHistoryLine{
			Instance:  l.Instance,
			Seq:       l.Seq,
			Kind:      l.Kind,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, outputHistoryResponse{
		DispatchID: id,
		Lines:      lines,
	})
}

// writeSSEData writes a line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
