package poll

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"parley/cmd/internal/remote"
	v1 "parley/contracts/realtime/v1"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	got  []v1.Envelope
	room []string
}

func (c *captureBroadcaster) Broadcast(roomID string, env v1.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = append(c.room, roomID)
	c.got = append(c.got, env)
}

func (c *captureBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *captureBroadcaster) envelopes() []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.Envelope, len(c.got))
	copy(out, c.got)
	return out
}

func testScheduler(api RemoteAPI, bc Broadcaster, listEvery, msgEvery time.Duration) *Scheduler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(log, NewDetector(log, api), bc, listEvery, msgEvery)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	bc := &captureBroadcaster{}
	s := testScheduler(&fakeRemote{}, bc, time.Hour, time.Hour)
	defer s.StopAll()

	s.Start("u1", testCred())
	s.Start("u1", testCred())

	if !s.Active("u1") {
		t.Fatalf("user not active after Start")
	}
	s.mu.Lock()
	n := len(s.users)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("users=%d want 1", n)
	}
}

func TestScheduler_BroadcastsListEvents(t *testing.T) {
	t.Parallel()

	api := &fakeRemote{convs: []remote.Conversation{conv("c1", "hi", 0, time.Now().UTC())}}
	bc := &captureBroadcaster{}
	s := testScheduler(api, bc, 20*time.Millisecond, time.Hour)
	defer s.StopAll()

	s.Start("u1", testCred())
	waitFor(t, 2*time.Second, func() bool { return bc.count() >= 1 })

	env := bc.envelopes()[0]
	if env.Type != v1.TypeChatCreated {
		t.Fatalf("type=%q want %q", env.Type, v1.TypeChatCreated)
	}
	if env.V != v1.Version {
		t.Fatalf("version=%q want %q", env.V, v1.Version)
	}
	if env.ID == "" {
		t.Fatalf("envelope missing id")
	}
	if env.TS.IsZero() {
		t.Fatalf("envelope missing timestamp")
	}
}

func TestScheduler_MessageTickNeedsInterest(t *testing.T) {
	t.Parallel()

	api := &fakeRemote{messages: map[string][]remote.Message{
		"c1": {msg("m1", "a", "u2")},
	}}
	bc := &captureBroadcaster{}
	s := testScheduler(api, bc, time.Hour, 20*time.Millisecond)
	defer s.StopAll()

	s.Start("u1", testCred())
	time.Sleep(100 * time.Millisecond)
	if got := bc.count(); got != 0 {
		t.Fatalf("broadcasts=%d want 0 without interest", got)
	}

	s.SetInterest("u1", []string{"c1"})
	// First pass seeds, a later pass emits once the tail grows.
	waitFor(t, 2*time.Second, func() bool {
		api.mu.Lock()
		called := len(api.msgCalls) > 0
		api.mu.Unlock()
		return called
	})
}

func TestScheduler_StopDiscardsLateResults(t *testing.T) {
	t.Parallel()

	api := &fakeRemote{convs: []remote.Conversation{conv("c1", "hi", 0, time.Now().UTC())}}
	api.block = make(chan struct{})
	bc := &captureBroadcaster{}
	s := testScheduler(api, bc, 20*time.Millisecond, time.Hour)

	s.Start("u1", testCred())
	waitFor(t, 2*time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.convCalls > 0
	})

	// Stop while the fetch is still blocked; the pass finishes afterwards
	// but its events never reach the broadcaster.
	s.Stop("u1")
	close(api.block)
	time.Sleep(100 * time.Millisecond)

	if got := bc.count(); got != 0 {
		t.Fatalf("broadcasts=%d want 0 after stop", got)
	}
	if s.Active("u1") {
		t.Fatalf("user still active after Stop")
	}
}

func TestNewEnvelope_UnmarshalablePayloadStillWellFormed(t *testing.T) {
	t.Parallel()

	ts := time.Now().UTC()
	env := NewEnvelope(v1.TypeChatCreated, func() {}, ts)

	if env.V != v1.Version || env.Type != v1.TypeChatCreated {
		t.Fatalf("envelope=%+v", env)
	}
	if env.ID == "" || !env.TS.Equal(ts) {
		t.Fatalf("envelope missing id/ts: %+v", env)
	}
	if len(env.Payload) != 0 {
		t.Fatalf("payload=%q want empty", env.Payload)
	}
}

func TestScheduler_StopAllStopsEveryUser(t *testing.T) {
	t.Parallel()

	s := testScheduler(&fakeRemote{}, &captureBroadcaster{}, time.Hour, time.Hour)
	s.Start("u1", testCred())
	s.Start("u2", testCred())

	s.StopAll()
	if s.Active("u1") || s.Active("u2") {
		t.Fatalf("users still active after StopAll")
	}
}
