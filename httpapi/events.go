package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/shellvisor/internal/eventbus"
	"pkt.systems/shellvisor/schema"
)

// handleEvents streams shell events as server-sent events. The optional
// command_id query parameter limits the stream to one command.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event stream not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	id := eventbus.All
	if raw := r.URL.Query().Get("command_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("command_id must be a positive integer"))
			return
		}
		id = schema.CommandID(parsed)
	}
	log := pslog.Ctx(r.Context())
	events, cancel := s.events.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = writeSSEvent(w, schema.ShellEvent{Type: schema.ShellEventChanged, Counts: s.sup.Counts()})
	flusher.Flush()

	sent := 0
	for {
		select {
		case <-r.Context().Done():
			log.Debug("http event stream closed", "events", sent)
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEvent(w, event); err != nil {
				log.Warn("http event stream write failed", "err", err)
				return
			}
			flusher.Flush()
			sent++
		}
	}
}

func writeSSEvent(w http.ResponseWriter, event schema.ShellEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	return nil
}
