package realtime

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/logging"
)

// ServeSSE runs the unidirectional server-push stream: each event is
// framed as `event:`/`data:`/`id:` lines. Heartbeats arrive through the
// hub like any other event, keeping the stream under the idle ceiling.
func ServeSSE(hub *Hub, w http.ResponseWriter, r *http.Request, userID, theatreID string, stageIDs []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := hub.Attach(userID, theatreID, stageIDs)
	defer hub.Detach(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(wireEvent(ev))
			if err != nil {
				logging.Warn().Err(err).Str("event_id", ev.EventID).Msg("sse frame marshal failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\nid: %s\n\n", ev.Kind, data, ev.EventID); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
