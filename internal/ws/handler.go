package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Options struct {
	SendBuffer int
	Session    session.Options
	Logger     *slog.Logger
}

// Handler upgrades requests into peer sessions on resident or rehydrated
// rooms.
type Handler struct {
	registry *room.Registry
	persist  session.Persister
	opts     Options
	log      *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

func NewHandler(registry *room.Registry, persist session.Persister, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		registry: registry,
		persist:  persist,
		opts:     opts,
		log:      opts.Logger.With("component", "ws"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Serve attaches the request to projectID's room. It responds 404 without
// upgrading when the project has no room and no snapshot, and otherwise
// blocks until the session ends.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, projectID string) {
	rm, err := h.registry.LookupOrRehydrate(r.Context(), projectID)
	if errors.Is(err, room.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("resolve room failed", "project_id", projectID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "project_id", projectID, "err", err)
		return
	}

	if !h.track() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	defer h.sessions.Done()

	peer := NewPeer(conn, h.opts.SendBuffer)
	go peer.writePump()

	sess := session.New(rm, peer, peer, h.persist, h.opts.Session)
	err = sess.Run(h.ctx)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		h.log.Warn("websocket error", "project_id", projectID, "session", sess.ID, "err", err)
	}
}

// Close ends every session and waits for their detach, including any
// last-peer persistence.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.sessions.Wait()
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions.Add(1)
	return true
}
