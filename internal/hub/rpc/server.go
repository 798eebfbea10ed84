package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
	"github.com/agorahub/agora/internal/metrics"
)

// Subprotocol negotiated on the WebSocket upgrade.
const Subprotocol = "agora.rpc.v1"

// Lifecycle is the agent lifecycle collaborator backing the
// ensureAgentsRunning and runConversationToCompletion methods.
type Lifecycle interface {
	Ensure(ctx context.Context, conversation int64, agentIDs []string) error
	RunToCompletion(ctx context.Context, conversation int64, timeout time.Duration) (store.Status, error)
}

// Server upgrades HTTP requests to WebSocket JSON-RPC sessions bound to
// the orchestrator.
type Server struct {
	orch         *orch.Orchestrator
	lifecycle    Lifecycle
	pingInterval time.Duration
	shutdownCh   <-chan struct{}
}

// NewServer creates the duplex RPC server. lifecycle may be nil; the
// lifecycle-backed methods then report method-not-found. shutdownCh,
// when non-nil, makes the server reject new connections once closed.
func NewServer(o *orch.Orchestrator, lifecycle Lifecycle, pingInterval time.Duration, shutdownCh <-chan struct{}) *Server {
	return &Server{
		orch:         o,
		lifecycle:    lifecycle,
		pingInterval: pingInterval,
		shutdownCh:   shutdownCh,
	}
}

// Handler returns the http.Handler serving WebSocket upgrades.
func (srv *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.shutdownCh != nil {
			select {
			case <-srv.shutdownCh:
				http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			slog.Debug("ws: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(1 << 20)

		metrics.WSSessionsActive.Inc()
		defer metrics.WSSessionsActive.Dec()

		s := newSession(srv, conn)
		s.run(r.Context())

		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
}
