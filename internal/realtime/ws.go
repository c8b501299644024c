package realtime

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checking belongs to the CORS layer at the router; the
	// upgrade itself accepts any origin that got that far.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientAction is the client->server control message on the
// bidirectional stream.
type clientAction struct {
	Action  string `json:"action"`
	StageID string `json:"stage_id,omitempty"`
}

// wsFrame is the server->client event frame.
type wsFrame struct {
	Kind    string         `json:"kind"`
	EventID string         `json:"event_id"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ServeWS upgrades the request and runs the read/write pumps until the
// client goes away. The caller has already authenticated userID.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, userID, theatreID string, stageIDs []string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := hub.Attach(userID, theatreID, stageIDs)
	go writePump(hub, sub, conn)
	go readPump(hub, sub, conn)
}

func readPump(hub *Hub, sub *Subscriber, conn *websocket.Conn) {
	defer func() {
		hub.Detach(sub)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		var act clientAction
		if err := json.Unmarshal(raw, &act); err != nil {
			continue
		}
		switch act.Action {
		case "subscribe_stage":
			if act.StageID != "" {
				sub.SubscribeStage(act.StageID)
			}
		case "unsubscribe_stage":
			if act.StageID != "" {
				sub.UnsubscribeStage(act.StageID)
			}
		case "ping":
			// The write pump's protocol-level ping covers liveness; an
			// application ping just resets the read deadline above.
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

func writePump(hub *Hub, sub *Subscriber, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		hub.Detach(sub)
		_ = conn.Close()
	}()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := wsFrame{Kind: ev.Kind, EventID: ev.EventID, At: ev.At, Payload: ev.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			return
		}
	}
}

// wireEvent shapes one event as the SSE data payload; the websocket
// stream writes the smaller wsFrame instead.
func wireEvent(ev models.Event) map[string]any {
	out := map[string]any{
		"event_id":   ev.EventID,
		"theatre_id": ev.TheatreID,
		"at":         ev.At.Format(time.RFC3339),
		"kind":       ev.Kind,
		"payload":    ev.Payload,
	}
	target := map[string]any{}
	if len(ev.Target.UserIDs) == 1 {
		target["user_id"] = ev.Target.UserIDs[0]
	}
	if ev.Target.StageID != "" {
		target["stage_id"] = ev.Target.StageID
	}
	if len(target) > 0 {
		out["target"] = target
	}
	return out
}
