// ABOUTME: Shared fixtures for routing tests
// ABOUTME: Runs scenarios against both the in-memory MockStore and a SQLite file store

package routing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/store"
)

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	t      *testing.T
	store  store.Store
	engine *Engine
	clock  *testClock
	events *recordingPublisher

	visitors int
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	clock := newTestClock()
	rec := &recordingPublisher{}
	return &harness{
		t:      t,
		store:  s,
		clock:  clock,
		events: rec,
		engine: New(s, Options{Publisher: rec, Clock: clock.Now}),
	}
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "routing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against every store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	t.Run("mock", func(t *testing.T) {
		fn(t, newHarness(t, store.NewMockStore()))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newHarness(t, newSQLiteStore(t)))
	})
}

func as(tenantID, userID string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{TenantID: tenantID, UserID: userID})
}

func ptr[T any](v T) *T { return &v }

// operator creates an operator in tenantID owned by userID.
func (h *harness) operator(tenantID, userID, name string, status store.OperatorStatus, max int) *store.Operator {
	h.t.Helper()
	op, err := h.engine.UpsertOperator(as(tenantID, userID), OperatorFields{
		DisplayName:   ptr(name),
		MaxConcurrent: ptr(max),
		Status:        ptr(status),
	})
	require.NoError(h.t, err)
	return op
}

// conversation starts a bot conversation. The clock moves one second so
// start times are distinct.
func (h *harness) conversation(tenantID string) *store.Conversation {
	h.t.Helper()
	h.visitors++
	conv, err := h.engine.StartConversation(as(tenantID, "widget"), fmt.Sprintf("visitor-%d", h.visitors))
	require.NoError(h.t, err)
	h.clock.Advance(time.Second)
	return conv
}

// load gives an operator n assigned conversations.
func (h *harness) load(tenantID string, op *store.Operator, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		conv := h.conversation(tenantID)
		_, err := h.engine.ForceAssign(as(tenantID, "admin"), conv.ID, op.ID)
		require.NoError(h.t, err)
	}
}

func (h *harness) get(tenantID, conversationID string) *store.Conversation {
	h.t.Helper()
	conv, err := h.engine.GetConversation(as(tenantID, "admin"), conversationID)
	require.NoError(h.t, err)
	return conv
}

func (h *harness) transfers(tenantID, conversationID string) []*store.Transfer {
	h.t.Helper()
	trs, err := h.engine.Transfers(as(tenantID, "admin"), conversationID)
	require.NoError(h.t, err)
	return trs
}

func (h *harness) transcript(tenantID, conversationID string) []*store.Message {
	h.t.Helper()
	msgs, err := h.engine.Transcript(as(tenantID, "admin"), conversationID, 0)
	require.NoError(h.t, err)
	return msgs
}

func (h *harness) stats(tenantID, operatorID string) *OperatorStats {
	h.t.Helper()
	stats, err := h.engine.OperatorStats(as(tenantID, "admin"), operatorID)
	require.NoError(h.t, err)
	return stats
}

var errPublish = errors.New("sink down")
