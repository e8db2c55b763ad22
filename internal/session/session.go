// Package session attaches one peer connection to a room and relays frames
// between them until the connection ends.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/protocol"
	"github.com/manpreetbhatti/codelattice/internal/ratelimit"
	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/snapshot"
)

type State int32

const (
	Connecting State = iota
	Attached
	Relaying
	Detached
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Attached:
		return "attached"
	case Relaying:
		return "relaying"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

const (
	DefaultMessagesPerSecond = 100
	DefaultMessageBurst      = 200
)

var (
	ErrDetached    = errors.New("session detached")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Persister writes a room's document durably. Failures are handled by the
// implementation.
type Persister interface {
	Persist(ctx context.Context, projectID string, src snapshot.Source)
}

type Options struct {
	MessagesPerSecond float64
	MessageBurst      int
	Logger            *slog.Logger
}

type Session struct {
	ID string

	room    *room.Room
	sink    room.Sink
	source  room.Source
	persist Persister
	limiter *ratelimit.Limiter
	state   atomic.Int32
	log     *slog.Logger
}

func New(r *room.Room, sink room.Sink, source room.Source, persist Persister, opts Options) *Session {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = DefaultMessageBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	return &Session{
		ID:      id,
		room:    r,
		sink:    sink,
		source:  source,
		persist: persist,
		limiter: ratelimit.NewLimiter(opts.MessagesPerSecond, opts.MessageBurst),
		log:     opts.Logger.With("session", id, "project_id", r.ID),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Run attaches the session and relays frames from the source until it fails
// or ctx is done. The session is always detached when Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.Detach(context.WithoutCancel(ctx))

	if err := s.attach(); err != nil {
		return err
	}

	for {
		msg, err := s.source.Recv(ctx)
		if err != nil {
			return err
		}

		if !s.limiter.Allow() {
			violations := s.limiter.Violations()
			if violations%100 == 1 {
				s.log.Warn("rate limit exceeded", "violations", violations)
			}
			if s.limiter.Exhausted() {
				s.log.Warn("disconnecting for excessive rate limit violations")
				return ErrRateLimited
			}
			continue
		}

		s.handle(msg)
	}
}

// attach counts the peer, sends it the current snapshot and admits it to
// the room's broadcast group.
func (s *Session) attach() error {
	s.room.Attach()
	if !s.state.CompareAndSwap(int32(Connecting), int32(Attached)) {
		s.room.Detach()
		return ErrDetached
	}

	if err := s.room.Join(s.ID, s.sink); err != nil {
		return errors.Wrap(err, "join room")
	}

	if !s.state.CompareAndSwap(int32(Attached), int32(Relaying)) {
		s.room.Leave(s.ID)
		return ErrDetached
	}
	s.log.Info("peer attached", "peers", s.room.Peers())
	return nil
}

func (s *Session) handle(msg []byte) {
	if err := protocol.Validate(msg); err != nil {
		s.log.Warn("invalid message", "err", err)
		return
	}

	// relayed frames are rebuilt from the payload so peers only ever see
	// canonical headers
	var out []byte
	payload := protocol.Payload(msg)
	switch protocol.ParseMessageType(msg) {
	case protocol.MessageTypeSync:
		if err := s.room.ApplyUpdate(payload); err != nil {
			s.log.Warn("update rejected", "err", err)
			return
		}
		out = protocol.EncodeUpdate(payload)
	case protocol.MessageTypeAwareness:
		out = protocol.EncodeAwareness(payload)
		s.room.SetAwareness(s.ID, out)
	}

	if dropped := s.room.Broadcast(s.ID, out); len(dropped) > 0 {
		s.log.Warn("dropped slow peers", "peers", dropped)
	}
}

// Detach removes the session from its room. It reports false if the session
// was already detached. When the last peer leaves, the document is
// persisted before Detach returns.
func (s *Session) Detach(ctx context.Context) bool {
	var prev State
	for {
		prev = s.State()
		if prev == Detached {
			return false
		}
		if s.state.CompareAndSwap(int32(prev), int32(Detached)) {
			break
		}
	}

	s.room.Leave(s.ID)
	s.sink.Close()

	if prev == Connecting {
		return true
	}

	remaining := s.room.Detach()
	s.log.Info("peer detached", "peers", remaining)
	if remaining == 0 {
		s.room.WhenIdle(func() {
			s.persist.Persist(ctx, s.room.ID, s.room)
		})
	}
	return true
}
