// ABOUTME: Repository contract tests shared by every Store backend
// ABOUTME: Each backend test file calls runStoreContract with its own constructor

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture creates unique IDs so the contract can run against a shared database.
type fixture struct {
	t      *testing.T
	s      Store
	ctx    context.Context
	prefix string
	now    time.Time
}

func newFixture(t *testing.T, s Store) *fixture {
	t.Helper()
	return &fixture{
		t:      t,
		s:      s,
		ctx:    context.Background(),
		prefix: uuid.NewString()[:8] + "-",
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) id(name string) string {
	return f.prefix + name
}

func (f *fixture) tenant(name string) string {
	f.t.Helper()
	id := f.id(name)
	require.NoError(f.t, f.s.CreateTenant(f.ctx, &Tenant{ID: id, Name: name, CreatedAt: f.now}))
	return id
}

func (f *fixture) operator(tenantID, name string, status OperatorStatus, max int) *Operator {
	f.t.Helper()
	op := &Operator{
		ID:            f.id(name),
		TenantID:      tenantID,
		UserID:        f.id("user-" + name),
		DisplayName:   name,
		Status:        status,
		MaxConcurrent: max,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	require.NoError(f.t, f.s.CreateOperator(f.ctx, op))
	return op
}

func (f *fixture) conversation(tenantID, name string, status ConversationStatus, priority Priority, operatorID string, startedAt time.Time) *Conversation {
	f.t.Helper()
	conv := &Conversation{
		ID:        f.id(name),
		TenantID:  tenantID,
		VisitorID: "visitor-" + name,
		Status:    status,
		Priority:  priority,
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	}
	if operatorID != "" {
		conv.OperatorID = &operatorID
		conv.AssignedAt = &startedAt
	}
	if status == ConversationWaiting {
		conv.QueuedAt = &startedAt
	}
	require.NoError(f.t, f.s.CreateConversation(f.ctx, conv))
	return conv
}

func (f *fixture) assign(conv *Conversation, operatorID string) Transition {
	next := conv.Clone()
	next.Status = ConversationAssigned
	next.OperatorID = &operatorID
	at := f.now
	next.AssignedAt = &at
	next.UpdatedAt = f.now
	return Transition{
		From:        []ConversationStatus{ConversationBot, ConversationWaiting},
		Next:        next,
		CapacityFor: operatorID,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("TenantRoundTrip", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		id := f.tenant("acme")

		got, err := f.s.GetTenant(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.Name)
		assert.True(t, got.CreatedAt.Equal(f.now))

		err = f.s.CreateTenant(f.ctx, &Tenant{ID: id, Name: "again", CreatedAt: f.now})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = f.s.GetTenant(f.ctx, f.id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("OperatorCRUD", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "alice", OperatorOnline, 3)

		got, err := f.s.GetOperator(f.ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.DisplayName)
		assert.Equal(t, OperatorOnline, got.Status)
		assert.Equal(t, 3, got.MaxConcurrent)
		assert.Nil(t, got.Settings)

		byUser, err := f.s.GetOperatorByUser(f.ctx, op.UserID)
		require.NoError(t, err)
		assert.Equal(t, op.ID, byUser.ID)

		got.DisplayName = "Alice"
		got.MaxConcurrent = 5
		got.Settings = map[string]any{"skills": []any{"billing"}}
		got.UpdatedAt = f.now.Add(time.Minute)
		require.NoError(t, f.s.UpdateOperator(f.ctx, got))

		updated, err := f.s.GetOperator(f.ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", updated.DisplayName)
		assert.Equal(t, 5, updated.MaxConcurrent)
		assert.Equal(t, []any{"billing"}, updated.Settings["skills"])

		require.NoError(t, f.s.SetOperatorStatus(f.ctx, op.ID, OperatorAway, f.now))
		require.NoError(t, f.s.IncrementOperatorResolved(f.ctx, op.ID, f.now))
		updated, err = f.s.GetOperator(f.ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, OperatorAway, updated.Status)
		assert.Equal(t, 1, updated.TotalResolved)

		err = f.s.SetOperatorStatus(f.ctx, f.id("ghost"), OperatorOnline, f.now)
		assert.ErrorIs(t, err, ErrNotFound)

		dup := *op
		dup.ID = f.id("alice-2")
		assert.ErrorIs(t, f.s.CreateOperator(f.ctx, &dup), ErrDuplicate, "one profile per user")
	})

	t.Run("ListOperatorsInsertionOrderAndFilter", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		other := f.tenant("u")
		f.operator(tenant, "b", OperatorOnline, 1)
		f.operator(tenant, "a", OperatorOffline, 1)
		f.operator(tenant, "c", OperatorAway, 1)
		f.operator(other, "x", OperatorOnline, 1)

		all, err := f.s.ListOperators(f.ctx, OperatorFilter{TenantID: tenant})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, f.id("b"), all[0].ID)
		assert.Equal(t, f.id("a"), all[1].ID)
		assert.Equal(t, f.id("c"), all[2].ID)

		working, err := f.s.ListOperators(f.ctx, OperatorFilter{
			TenantID: tenant,
			Statuses: []OperatorStatus{OperatorOnline, OperatorAway},
		})
		require.NoError(t, err)
		require.Len(t, working, 2)
		assert.Equal(t, f.id("b"), working[0].ID)
		assert.Equal(t, f.id("c"), working[1].ID)
	})

	t.Run("LoadsAndRatings", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		a := f.operator(tenant, "a", OperatorOnline, 3)
		b := f.operator(tenant, "b", OperatorOnline, 3)
		f.conversation(tenant, "c1", ConversationAssigned, PriorityNormal, a.ID, f.now)
		f.conversation(tenant, "c2", ConversationActive, PriorityNormal, a.ID, f.now)
		f.conversation(tenant, "c3", ConversationActive, PriorityNormal, b.ID, f.now)
		f.conversation(tenant, "c4", ConversationWaiting, PriorityNormal, "", f.now)

		loads, err := f.s.OperatorLoads(f.ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{a.ID: 2, b.ID: 1}, loads)

		n, err := f.s.OperatorLoad(f.ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, sum, err := f.s.RatingSummary(f.ctx, a.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Zero(t, sum)

		for i, rating := range []int{4, 2} {
			rated := rating
			conv := &Conversation{
				ID:        f.id("done-" + string(rune('a'+i))),
				TenantID:  tenant,
				VisitorID: "v",
				Status:    ConversationResolved,
				Priority:  PriorityLow,
				HandledBy: &a.ID,
				Rating:    &rated,
				StartedAt: f.now,
				ClosedAt:  &f.now,
				UpdatedAt: f.now,
			}
			require.NoError(t, f.s.CreateConversation(f.ctx, conv))
		}
		count, sum, err = f.s.RatingSummary(f.ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.Equal(t, 6, sum)
	})

	t.Run("ConversationOperatorInvariantEnforced", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")

		conv := &Conversation{
			ID:        f.id("bad"),
			TenantID:  tenant,
			VisitorID: "v",
			Status:    ConversationAssigned,
			Priority:  PriorityNormal,
			StartedAt: f.now,
			UpdatedAt: f.now,
		}
		assert.Error(t, f.s.CreateConversation(f.ctx, conv), "assigned without operator must be rejected")
	})

	t.Run("ListConversationsQueueOrder", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		other := f.tenant("u")
		base := f.now
		f.conversation(tenant, "normal-late", ConversationWaiting, PriorityNormal, "", base.Add(3*time.Minute))
		f.conversation(tenant, "urgent", ConversationWaiting, PriorityUrgent, "", base.Add(4*time.Minute))
		f.conversation(tenant, "normal-early", ConversationWaiting, PriorityNormal, "", base.Add(1*time.Minute))
		f.conversation(tenant, "low", ConversationWaiting, PriorityLow, "", base)
		f.conversation(tenant, "high", ConversationWaiting, PriorityHigh, "", base.Add(5*time.Minute))
		f.conversation(tenant, "bot", ConversationBot, PriorityUrgent, "", base)
		f.conversation(other, "foreign", ConversationWaiting, PriorityUrgent, "", base)

		got, err := f.s.ListConversations(f.ctx, ConversationFilter{
			TenantID: tenant,
			Statuses: []ConversationStatus{ConversationWaiting},
			Order:    OrderQueue,
		})
		require.NoError(t, err)

		var ids []string
		for _, c := range got {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{
			f.id("urgent"), f.id("high"), f.id("normal-early"), f.id("normal-late"), f.id("low"),
		}, ids)

		limited, err := f.s.ListConversations(f.ctx, ConversationFilter{
			TenantID: tenant,
			Statuses: []ConversationStatus{ConversationWaiting},
			Order:    OrderQueue,
			Limit:    2,
		})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, f.id("urgent"), limited[0].ID)

		tenants, err := f.s.TenantsWithWaiting(f.ctx)
		require.NoError(t, err)
		assert.Contains(t, tenants, tenant)
		assert.Contains(t, tenants, other)
	})

	t.Run("TransitionRequiresExpectedStatus", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorOnline, 2)
		conv := f.conversation(tenant, "c", ConversationBot, PriorityNormal, "", f.now)

		ok, err := f.s.TransitionConversation(f.ctx, f.assign(conv, op.ID))
		require.NoError(t, err)
		assert.True(t, ok)

		// Same transition again finds status assigned, not bot/waiting
		ok, err = f.s.TransitionConversation(f.ctx, f.assign(conv, op.ID))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := f.s.GetConversation(f.ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, ConversationAssigned, got.Status)
		require.NotNil(t, got.OperatorID)
		assert.Equal(t, op.ID, *got.OperatorID)
		require.NotNil(t, got.AssignedAt)
	})

	t.Run("TransitionEnforcesCapacity", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorOnline, 1)
		f.conversation(tenant, "held", ConversationActive, PriorityNormal, op.ID, f.now)
		conv := f.conversation(tenant, "c", ConversationWaiting, PriorityNormal, "", f.now)

		ok, err := f.s.TransitionConversation(f.ctx, f.assign(conv, op.ID))
		require.NoError(t, err)
		assert.False(t, ok, "operator is full")

		got, err := f.s.GetConversation(f.ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, ConversationWaiting, got.Status)
		assert.Nil(t, got.OperatorID)
	})

	t.Run("TransitionCapacityIgnoresOwnRow", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorOnline, 1)
		conv := f.conversation(tenant, "c", ConversationAssigned, PriorityNormal, op.ID, f.now)

		next := conv.Clone()
		next.Status = ConversationActive
		ok, err := f.s.TransitionConversation(f.ctx, Transition{
			From:        []ConversationStatus{ConversationAssigned},
			Next:        next,
			CapacityFor: op.ID,
		})
		require.NoError(t, err)
		assert.True(t, ok, "accepting an already-held conversation does not need a free slot")
	})

	t.Run("TransitionStatusGateAndForce", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorBusy, 2)
		conv := f.conversation(tenant, "c", ConversationWaiting, PriorityNormal, "", f.now)

		ok, err := f.s.TransitionConversation(f.ctx, f.assign(conv, op.ID))
		require.NoError(t, err)
		assert.False(t, ok, "busy operators take no new work")

		tr := f.assign(conv, op.ID)
		tr.Force = true
		ok, err = f.s.TransitionConversation(f.ctx, tr)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("TransitionRejectsForeignOperator", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		other := f.tenant("u")
		x := f.operator(other, "x", OperatorOnline, 5)
		conv := f.conversation(tenant, "c", ConversationWaiting, PriorityNormal, "", f.now)

		ok, err := f.s.TransitionConversation(f.ctx, f.assign(conv, x.ID))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("TransfersSinglePending", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorOnline, 2)
		conv := f.conversation(tenant, "c", ConversationAssigned, PriorityNormal, op.ID, f.now)

		first := &Transfer{
			ID: f.id("tr1"), TenantID: tenant, ConversationID: conv.ID, FromType: TransferFromBot,
			ToOperatorID: op.ID, Reason: "asked for human", Status: TransferPending, CreatedAt: f.now,
		}
		require.NoError(t, f.s.CreateTransfer(f.ctx, first))

		second := *first
		second.ID = f.id("tr2")
		assert.ErrorIs(t, f.s.CreateTransfer(f.ctx, &second), ErrDuplicate)

		pending, err := f.s.GetPendingTransfer(f.ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, pending.ID)

		ok, err := f.s.TransitionTransfer(f.ctx, first.ID, TransferPending, TransferExpired, f.now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.s.TransitionTransfer(f.ctx, first.ID, TransferPending, TransferAccepted, f.now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "expired is terminal")

		require.NoError(t, f.s.CreateTransfer(f.ctx, &second))
		ok, err = f.s.TransitionTransfer(f.ctx, second.ID, TransferPending, TransferAccepted, f.now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := f.s.GetTransfer(f.ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, TransferAccepted, got.Status)
		require.NotNil(t, got.AcceptedAt)
		assert.True(t, got.AcceptedAt.Equal(f.now.Add(2*time.Minute)))

		_, err = f.s.GetPendingTransfer(f.ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := f.s.ListTransfers(f.ctx, TransferFilter{TenantID: tenant, ConversationID: conv.ID})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first.ID, list[0].ID)
		assert.Equal(t, TransferExpired, list[0].Status)
		require.NotNil(t, list[0].ExpiredAt)
	})

	t.Run("ListTransfersCreatedBefore", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorOnline, 5)
		old := f.conversation(tenant, "old", ConversationAssigned, PriorityNormal, op.ID, f.now)
		fresh := f.conversation(tenant, "fresh", ConversationAssigned, PriorityNormal, op.ID, f.now)

		for _, tc := range []struct {
			conv *Conversation
			at   time.Time
		}{{old, f.now}, {fresh, f.now.Add(5 * time.Minute)}} {
			require.NoError(t, f.s.CreateTransfer(f.ctx, &Transfer{
				ID: f.id("tr-" + tc.conv.ID), TenantID: tenant, ConversationID: tc.conv.ID,
				FromType: TransferFromBot, ToOperatorID: op.ID, Status: TransferPending, CreatedAt: tc.at,
			}))
		}

		cutoff := f.now.Add(2 * time.Minute)
		stale, err := f.s.ListTransfers(f.ctx, TransferFilter{
			TenantID:      tenant,
			Status:        TransferPending,
			CreatedBefore: &cutoff,
		})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ConversationID)
	})

	t.Run("MessagesOrderAndLimit", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		conv := f.conversation(tenant, "c", ConversationBot, PriorityNormal, "", f.now)

		for i, text := range []string{"hi", "hello", "need a human", "connecting"} {
			msg := &Message{
				ID:             f.id("m" + text),
				TenantID:       tenant,
				ConversationID: conv.ID,
				Sender:         SenderVisitor,
				Text:           text,
				IsInternal:     i == 3,
				CreatedAt:      f.now.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, f.s.AppendMessage(f.ctx, msg))
			assert.NotZero(t, msg.Seq)
		}

		all, err := f.s.ListMessages(f.ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "hi", all[0].Text)
		assert.Equal(t, "connecting", all[3].Text)
		assert.True(t, all[3].IsInternal)
		assert.Less(t, all[0].Seq, all[1].Seq)

		recent, err := f.s.ListMessages(f.ctx, conv.ID, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "need a human", recent[0].Text)
		assert.Equal(t, "connecting", recent[1].Text)
	})

	t.Run("AtomicRollsBack", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		tenant := f.tenant("t")
		conv := f.conversation(tenant, "c", ConversationBot, PriorityNormal, "", f.now)
		boom := errors.New("boom")

		err := f.s.Atomic(f.ctx, func(repo Repository) error {
			next := conv.Clone()
			next.Status = ConversationWaiting
			next.QueuedAt = &f.now
			ok, err := repo.TransitionConversation(f.ctx, Transition{
				From: []ConversationStatus{ConversationBot},
				Next: next,
			})
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, repo.AppendMessage(f.ctx, &Message{
				ID: f.id("m"), TenantID: tenant, ConversationID: conv.ID,
				Sender: SenderSystem, Text: "queued", CreatedAt: f.now,
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := f.s.GetConversation(f.ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, ConversationBot, got.Status)

		msgs, err := f.s.ListMessages(f.ctx, conv.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("ConcurrentClaimsRespectCapacity", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s)
		tenant := f.tenant("t")
		op := f.operator(tenant, "a", OperatorOnline, 2)

		const n = 8
		convs := make([]*Conversation, n)
		for i := range convs {
			convs[i] = f.conversation(tenant, "c"+string(rune('a'+i)), ConversationWaiting, PriorityNormal, "", f.now)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		for _, conv := range convs {
			wg.Add(1)
			go func(conv *Conversation) {
				defer wg.Done()
				err := s.Atomic(f.ctx, func(repo Repository) error {
					if err := repo.LockOperator(f.ctx, op.ID); err != nil {
						return err
					}
					ok, err := repo.TransitionConversation(f.ctx, f.assign(conv, op.ID))
					if err != nil {
						return err
					}
					if ok {
						mu.Lock()
						won++
						mu.Unlock()
					}
					return nil
				})
				assert.NoError(t, err)
			}(conv)
		}
		wg.Wait()

		assert.Equal(t, 2, won)
		load, err := s.OperatorLoad(f.ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, load)
	})
}
