package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bloodnet.org/internal/matching"
	"bloodnet.org/internal/stream"
)

const streamHeartbeat = 25 * time.Second

// Stream serves engine events as Server-Sent Events. Admins see every
// event; other callers only events about themselves as donor.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var filter stream.Filter
	if !actor.Is(matching.RoleAdmin) {
		self := actor.UserID
		filter = func(e matching.Event) bool { return e.DonorID == self }
	}
	ch := a.stream.Subscribe(ctx, filter)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + event.Type + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
