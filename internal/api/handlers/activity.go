package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/pkg/models"
)

// sseSink writes activity events as server-sent-event frames, flushing
// after each one so proxies do not buffer the stream.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(event models.ActivityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ActivityStream is the long-lived SSE endpoint a chat client holds open.
// The optional last_message_id query parameter resumes after a reconnect
// without replaying messages the client already has.
func (h *Handlers) ActivityStream(w http.ResponseWriter, r *http.Request) {
	project, _, ok := h.authorizeProject(w, r)
	if !ok {
		return
	}

	var lastMessageID int64
	if raw := r.URL.Query().Get("last_message_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			respondError(w, http.StatusBadRequest, "last_message_id must be a non-negative integer")
			return
		}
		lastMessageID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	if err := h.Activity.Stream(r.Context(), project.ID, lastMessageID, sink); err != nil {
		// Headers are long gone; log and let the connection close.
		log.Warn().Err(err).
			Str("project_id", project.ID).
			Msg("Activity stream ended with error")
	}
}
