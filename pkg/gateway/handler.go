package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Authenticator extracts the caller's DID from the upgrade request.
// Returning an empty string rejects the connection.
type Authenticator func(r *http.Request) (string, error)

// ResumeFunc replays events the agent missed while offline. It is
// invoked once per new connection, after registration, with a push
// callback bound to that agent.
type ResumeFunc func(ctx context.Context, did string, push func(*Event)) error

// Handler upgrades HTTP requests into hub connections.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	resume   ResumeFunc
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(hub *Hub, auth Authenticator, resume ResumeFunc, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		hub:    hub,
		auth:   auth,
		resume: resume,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser agents are not a target; native clients do not send
			// an Origin header worth checking.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With("component", "gateway"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	did, authErr := h.auth(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if authErr != nil || did == "" {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"), deadline)
		_ = conn.Close()
		return
	}

	client := newClient(h.hub, did, conn)
	h.hub.add(client)
	h.log.Info("agent connected", "agent", did)

	if h.resume != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err := h.resume(ctx, did, func(ev *Event) { h.hub.Push(did, ev) })
			if err != nil {
				h.log.Warn("resume replay failed", "agent", did, "error", err)
			}
		}()
	}

	client.run(r.Context())
	h.log.Info("agent disconnected", "agent", did)
}
