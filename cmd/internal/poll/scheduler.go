package poll

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"parley/cmd/internal/ids"
	"parley/cmd/internal/telemetry"
	v1 "parley/contracts/realtime/v1"
)

const (
	// DefaultListInterval drives list-level change detection. A conversation
	// merely listed tolerates staler data than one open in a viewer.
	DefaultListInterval = 15 * time.Second
	// DefaultMessageInterval drives message-level detection for conversations
	// currently open in a viewer.
	DefaultMessageInterval = 3 * time.Second
)

// Broadcaster fans an envelope out to every live connection in a room.
// Delivery to a connection that has meanwhile disconnected is a no-op.
type Broadcaster interface {
	Broadcast(roomID string, env v1.Envelope)
}

// Scheduler owns one poll loop per user with live connections. Lifecycle:
// idle -> active on the first connection for a user, active -> idle when the
// registry reports the last connection gone.
type Scheduler struct {
	log *slog.Logger
	det *Detector
	bc  Broadcaster

	listEvery time.Duration
	msgEvery  time.Duration

	mu    sync.Mutex
	users map[string]*userState
}

// userState is the PollState for one user. The Snapshot is only touched by
// detection passes, which are serialized by the busy guard.
type userState struct {
	userID string
	cred   oauth2.TokenSource
	cancel context.CancelFunc

	busy    atomic.Bool
	stopped atomic.Bool

	mu       sync.Mutex
	interest map[string]struct{}

	snap *Snapshot
}

// NewScheduler constructs a Scheduler. Intervals at or below zero fall back
// to the defaults.
func NewScheduler(log *slog.Logger, det *Detector, bc Broadcaster, listEvery, msgEvery time.Duration) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if listEvery <= 0 {
		listEvery = DefaultListInterval
	}
	if msgEvery <= 0 {
		msgEvery = DefaultMessageInterval
	}
	return &Scheduler{
		log:       log,
		det:       det,
		bc:        bc,
		listEvery: listEvery,
		msgEvery:  msgEvery,
		users:     make(map[string]*userState),
	}
}

// Start transitions a user to active. If the user is already active the
// existing loop continues untouched (the credential of the first connection
// wins until the user goes idle).
func (s *Scheduler) Start(userID string, cred oauth2.TokenSource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &userState{
		userID:   userID,
		cred:     cred,
		cancel:   cancel,
		interest: make(map[string]struct{}),
		snap:     NewSnapshot(),
	}
	s.users[userID] = st
	if telemetry.ActivePollers != nil {
		telemetry.ActivePollers.Inc()
	}
	s.log.Info("poll.start", "user_id", userID)

	go s.run(ctx, st)
}

// SetInterest replaces the set of conversations polled at message
// granularity for a user. Unknown users are a no-op.
func (s *Scheduler) SetInterest(userID string, conversationIDs []string) {
	s.mu.Lock()
	st, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	next := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	st.mu.Lock()
	st.interest = next
	st.mu.Unlock()
}

// Stop transitions a user to idle: the timer loop is cancelled and the
// snapshot and interest set are discarded. Safe to call when already idle.
// An in-flight detection pass is not interrupted; its result is discarded
// before broadcast.
func (s *Scheduler) Stop(userID string) {
	s.mu.Lock()
	st, ok := s.users[userID]
	if ok {
		delete(s.users, userID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	st.stopped.Store(true)
	st.cancel()
	if telemetry.ActivePollers != nil {
		telemetry.ActivePollers.Dec()
	}
	s.log.Info("poll.stop", "user_id", userID)
}

// StopAll stops every active user loop (process shutdown).
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Active reports whether a user currently has a poll loop.
func (s *Scheduler) Active(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

func (s *Scheduler) run(ctx context.Context, st *userState) {
	listTicker := time.NewTicker(s.listEvery)
	defer listTicker.Stop()
	msgTicker := time.NewTicker(s.msgEvery)
	defer msgTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-listTicker.C:
			s.tick(ctx, st, "list")
		case <-msgTicker.C:
			s.tick(ctx, st, "messages")
		}
	}
}

// tick launches one detection pass unless one is already in flight for this
// user, in which case the tick is skipped (passes are not re-entrant per
// user).
func (s *Scheduler) tick(ctx context.Context, st *userState, kind string) {
	if !st.busy.CompareAndSwap(false, true) {
		if telemetry.PollSkipped != nil {
			telemetry.PollSkipped.Inc()
		}
		s.log.Debug("poll.tick.skip", "user_id", st.userID, "kind", kind)
		return
	}

	go func() {
		defer st.busy.Store(false)

		if telemetry.PollTicks != nil {
			telemetry.PollTicks.WithLabelValues(kind).Inc()
		}

		var events []Event
		switch kind {
		case "list":
			var err error
			events, err = s.det.DiffLists(ctx, st.cred, st.userID, st.snap)
			if err != nil {
				if telemetry.PollFailures != nil {
					telemetry.PollFailures.Inc()
				}
				s.log.Warn("poll.lists.fail", "user_id", st.userID, "err", err)
			}
		case "messages":
			st.mu.Lock()
			interest := make([]string, 0, len(st.interest))
			for id := range st.interest {
				interest = append(interest, id)
			}
			st.mu.Unlock()

			if len(interest) == 0 {
				return
			}
			events = s.det.DiffMessages(ctx, st.cred, st.userID, st.snap, interest)
		}

		// A pass that raced a stop completes but its result is discarded.
		if st.stopped.Load() {
			return
		}

		now := time.Now().UTC()
		for _, ev := range events {
			telemetry.CountEvent(ev.Type)
			s.bc.Broadcast(ev.Room, NewEnvelope(ev.Type, ev.Payload, now))
		}
	}()
}

// NewEnvelope wraps a payload into a versioned wire envelope.
func NewEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Debug("poll.envelope.marshal_fail", "type", typ, "err", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.New(ts),
		TS:      ts,
		Payload: b,
	}
}
