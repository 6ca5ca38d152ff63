// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory, mirrors SQLStore semantics including conditional transitions and Atomic rollback

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// errMockForeignKey mimics the FOREIGN KEY failure a SQL backend reports.
var errMockForeignKey = errors.New("FOREIGN KEY constraint failed")

// mockState holds every table of the in-memory store.
type mockState struct {
	seq           int64
	tenants       map[string]*Tenant
	operators     map[string]*Operator
	operatorSeq   map[string]int64
	userIndex     map[string]string // user ID -> operator ID
	conversations map[string]*Conversation
	convSeq       map[string]int64
	transfers     map[string]*Transfer
	transferSeq   map[string]int64
	messages      map[string][]*Message // keyed by conversation ID
}

func newMockState() *mockState {
	return &mockState{
		tenants:       make(map[string]*Tenant),
		operators:     make(map[string]*Operator),
		operatorSeq:   make(map[string]int64),
		userIndex:     make(map[string]string),
		conversations: make(map[string]*Conversation),
		convSeq:       make(map[string]int64),
		transfers:     make(map[string]*Transfer),
		transferSeq:   make(map[string]int64),
		messages:      make(map[string][]*Message),
	}
}

// clone deep-copies the state so Atomic can restore it on failure.
func (s *mockState) clone() *mockState {
	out := newMockState()
	out.seq = s.seq
	for k, v := range s.tenants {
		t := *v
		out.tenants[k] = &t
	}
	for k, v := range s.operators {
		out.operators[k] = copyOperator(v)
	}
	for k, v := range s.operatorSeq {
		out.operatorSeq[k] = v
	}
	for k, v := range s.userIndex {
		out.userIndex[k] = v
	}
	for k, v := range s.conversations {
		out.conversations[k] = v.Clone()
	}
	for k, v := range s.convSeq {
		out.convSeq[k] = v
	}
	for k, v := range s.transfers {
		out.transfers[k] = copyTransfer(v)
	}
	for k, v := range s.transferSeq {
		out.transferSeq[k] = v
	}
	for k, v := range s.messages {
		msgs := make([]*Message, len(v))
		for i, m := range v {
			mc := *m
			msgs[i] = &mc
		}
		out.messages[k] = msgs
	}
	return out
}

func (s *mockState) next() int64 {
	s.seq++
	return s.seq
}

// mockRepo implements Repository over a mockState guarded by mu.
type mockRepo struct {
	mu    *sync.Mutex
	state **mockState
}

// MockStore is an in-memory Store implementation for testing.
// Atomic units are serialized; writes made outside Atomic are applied immediately.
type MockStore struct {
	*mockRepo
	txMu  sync.Mutex
	mu    sync.Mutex
	state *mockState
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	m := &MockStore{state: newMockState()}
	m.mockRepo = &mockRepo{mu: &m.mu, state: &m.state}
	return m
}

// Atomic runs fn with exclusive use of the store and restores the previous
// state if fn returns an error.
func (m *MockStore) Atomic(ctx context.Context, fn func(Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	if err := fn(m.mockRepo); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)

func (r *mockRepo) lock() *mockState {
	r.mu.Lock()
	return *r.state
}

func (r *mockRepo) unlock() {
	r.mu.Unlock()
}

// CreateTenant stores a tenant.
func (r *mockRepo) CreateTenant(ctx context.Context, tenant *Tenant) error {
	s := r.lock()
	defer r.unlock()

	if _, ok := s.tenants[tenant.ID]; ok {
		return ErrDuplicate
	}
	t := *tenant
	s.tenants[t.ID] = &t
	s.next()
	return nil
}

// GetTenant retrieves a tenant by ID.
func (r *mockRepo) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	s := r.lock()
	defer r.unlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// TenantsWithWaiting returns tenant IDs with waiting conversations, sorted.
func (r *mockRepo) TenantsWithWaiting(ctx context.Context) ([]string, error) {
	s := r.lock()
	defer r.unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, c := range s.conversations {
		if c.Status == ConversationWaiting && !seen[c.TenantID] {
			seen[c.TenantID] = true
			ids = append(ids, c.TenantID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateOperator stores a new operator.
func (r *mockRepo) CreateOperator(ctx context.Context, op *Operator) error {
	s := r.lock()
	defer r.unlock()

	if _, ok := s.tenants[op.TenantID]; !ok {
		return fmt.Errorf("inserting operator: %w", errMockForeignKey)
	}
	if _, ok := s.operators[op.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.userIndex[op.UserID]; ok {
		return ErrDuplicate
	}
	s.operators[op.ID] = copyOperator(op)
	s.operatorSeq[op.ID] = s.next()
	s.userIndex[op.UserID] = op.ID
	return nil
}

// GetOperator retrieves an operator by ID.
func (r *mockRepo) GetOperator(ctx context.Context, id string) (*Operator, error) {
	s := r.lock()
	defer r.unlock()

	op, ok := s.operators[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOperator(op), nil
}

// GetOperatorByUser retrieves the operator owned by a user.
func (r *mockRepo) GetOperatorByUser(ctx context.Context, userID string) (*Operator, error) {
	s := r.lock()
	defer r.unlock()

	id, ok := s.userIndex[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOperator(s.operators[id]), nil
}

// UpdateOperator writes the mutable profile fields.
func (r *mockRepo) UpdateOperator(ctx context.Context, op *Operator) error {
	s := r.lock()
	defer r.unlock()

	existing, ok := s.operators[op.ID]
	if !ok {
		return ErrNotFound
	}
	existing.DisplayName = op.DisplayName
	existing.Status = op.Status
	existing.MaxConcurrent = op.MaxConcurrent
	existing.Settings = copySettings(op.Settings)
	existing.UpdatedAt = op.UpdatedAt
	return nil
}

// SetOperatorStatus changes the presence status.
func (r *mockRepo) SetOperatorStatus(ctx context.Context, id string, status OperatorStatus, at time.Time) error {
	s := r.lock()
	defer r.unlock()

	op, ok := s.operators[id]
	if !ok {
		return ErrNotFound
	}
	op.Status = status
	op.UpdatedAt = at
	return nil
}

// IncrementOperatorResolved bumps the resolved counter.
func (r *mockRepo) IncrementOperatorResolved(ctx context.Context, id string, at time.Time) error {
	s := r.lock()
	defer r.unlock()

	op, ok := s.operators[id]
	if !ok {
		return ErrNotFound
	}
	op.TotalResolved++
	op.UpdatedAt = at
	return nil
}

// ListOperators returns operators in insertion order.
func (r *mockRepo) ListOperators(ctx context.Context, filter OperatorFilter) ([]*Operator, error) {
	s := r.lock()
	defer r.unlock()

	var result []*Operator
	for _, op := range s.operators {
		if filter.TenantID != "" && op.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsOperatorStatus(filter.Statuses, op.Status) {
			continue
		}
		result = append(result, copyOperator(op))
	}
	sort.Slice(result, func(i, j int) bool {
		return s.operatorSeq[result[i].ID] < s.operatorSeq[result[j].ID]
	})
	return result, nil
}

// OperatorLoads counts assigned and active conversations per operator of a tenant.
func (r *mockRepo) OperatorLoads(ctx context.Context, tenantID string) (map[string]int, error) {
	s := r.lock()
	defer r.unlock()

	loads := make(map[string]int)
	for _, c := range s.conversations {
		if c.TenantID == tenantID && c.Status.HoldsOperator() && c.OperatorID != nil {
			loads[*c.OperatorID]++
		}
	}
	return loads, nil
}

// OperatorLoad counts assigned and active conversations for one operator.
func (r *mockRepo) OperatorLoad(ctx context.Context, operatorID string) (int, error) {
	s := r.lock()
	defer r.unlock()

	return s.load(operatorID, ""), nil
}

// LockOperator only checks existence; Atomic already serializes.
func (r *mockRepo) LockOperator(ctx context.Context, id string) error {
	s := r.lock()
	defer r.unlock()

	if _, ok := s.operators[id]; !ok {
		return ErrNotFound
	}
	return nil
}

// RatingSummary returns the count and sum of ratings on conversations the operator resolved.
func (r *mockRepo) RatingSummary(ctx context.Context, operatorID string) (int, int, error) {
	s := r.lock()
	defer r.unlock()

	var count, sum int
	for _, c := range s.conversations {
		if c.HandledBy != nil && *c.HandledBy == operatorID && c.Status == ConversationResolved && c.Rating != nil {
			count++
			sum += *c.Rating
		}
	}
	return count, sum, nil
}

// CreateConversation stores a new conversation.
func (r *mockRepo) CreateConversation(ctx context.Context, conv *Conversation) error {
	s := r.lock()
	defer r.unlock()

	if _, ok := s.tenants[conv.TenantID]; !ok {
		return fmt.Errorf("inserting conversation: %w", errMockForeignKey)
	}
	if _, ok := s.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	if err := checkConversationRow(conv); err != nil {
		return err
	}
	s.conversations[conv.ID] = conv.Clone()
	s.convSeq[conv.ID] = s.next()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (r *mockRepo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s := r.lock()
	defer r.unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListConversations returns conversations matching the filter in the requested order.
func (r *mockRepo) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	s := r.lock()
	defer r.unlock()

	var result []*Conversation
	for _, c := range s.conversations {
		if filter.TenantID != "" && c.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsConversationStatus(filter.Statuses, c.Status) {
			continue
		}
		if filter.OperatorID != "" && (c.OperatorID == nil || *c.OperatorID != filter.OperatorID) {
			continue
		}
		result = append(result, c.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if filter.Order == OrderQueue {
			if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
				return ra > rb
			}
			if qa, qb := queueTime(a), queueTime(b); !qa.Equal(qb) {
				return qa.Before(qb)
			}
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return s.convSeq[a.ID] < s.convSeq[b.ID]
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// TransitionConversation applies t if its guards hold.
func (r *mockRepo) TransitionConversation(ctx context.Context, t Transition) (bool, error) {
	if t.Next == nil || len(t.From) == 0 {
		return false, errors.New("transition needs a target row and at least one source status")
	}

	s := r.lock()
	defer r.unlock()

	current, ok := s.conversations[t.Next.ID]
	if !ok || !containsConversationStatus(t.From, current.Status) {
		return false, nil
	}

	if t.CapacityFor != "" {
		op, ok := s.operators[t.CapacityFor]
		if !ok || op.TenantID != current.TenantID {
			return false, nil
		}
		if !t.Force && !op.Status.AcceptsWork() {
			return false, nil
		}
		if s.load(op.ID, current.ID) >= op.MaxConcurrent {
			return false, nil
		}
	}

	if err := checkConversationRow(t.Next); err != nil {
		return false, fmt.Errorf("updating conversation: %w", err)
	}

	next := t.Next.Clone()
	next.TenantID = current.TenantID
	next.VisitorID = current.VisitorID
	next.StartedAt = current.StartedAt
	s.conversations[next.ID] = next
	return true, nil
}

// CreateTransfer stores a transfer; a second pending transfer for one conversation is a duplicate.
func (r *mockRepo) CreateTransfer(ctx context.Context, tr *Transfer) error {
	s := r.lock()
	defer r.unlock()

	if _, ok := s.conversations[tr.ConversationID]; !ok {
		return fmt.Errorf("inserting transfer: %w", errMockForeignKey)
	}
	if _, ok := s.transfers[tr.ID]; ok {
		return ErrDuplicate
	}
	if tr.Status == TransferPending {
		for _, existing := range s.transfers {
			if existing.ConversationID == tr.ConversationID && existing.Status == TransferPending {
				return ErrDuplicate
			}
		}
	}
	s.transfers[tr.ID] = copyTransfer(tr)
	s.transferSeq[tr.ID] = s.next()
	return nil
}

// GetTransfer retrieves a transfer by ID.
func (r *mockRepo) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	s := r.lock()
	defer r.unlock()

	tr, ok := s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransfer(tr), nil
}

// GetPendingTransfer returns the pending transfer of a conversation.
func (r *mockRepo) GetPendingTransfer(ctx context.Context, conversationID string) (*Transfer, error) {
	s := r.lock()
	defer r.unlock()

	for _, tr := range s.transfers {
		if tr.ConversationID == conversationID && tr.Status == TransferPending {
			return copyTransfer(tr), nil
		}
	}
	return nil, ErrNotFound
}

// ListTransfers returns transfers matching the filter, oldest first.
func (r *mockRepo) ListTransfers(ctx context.Context, filter TransferFilter) ([]*Transfer, error) {
	s := r.lock()
	defer r.unlock()

	var result []*Transfer
	for _, tr := range s.transfers {
		if filter.TenantID != "" && tr.TenantID != filter.TenantID {
			continue
		}
		if filter.ConversationID != "" && tr.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Status != "" && tr.Status != filter.Status {
			continue
		}
		if filter.CreatedBefore != nil && !tr.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		result = append(result, copyTransfer(tr))
	}
	sort.Slice(result, func(i, j int) bool {
		return s.transferSeq[result[i].ID] < s.transferSeq[result[j].ID]
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// TransitionTransfer moves a transfer between statuses if it is currently from.
func (r *mockRepo) TransitionTransfer(ctx context.Context, id string, from, to TransferStatus, at time.Time) (bool, error) {
	if to != TransferAccepted && to != TransferExpired {
		return false, fmt.Errorf("invalid transfer target status %q", to)
	}

	s := r.lock()
	defer r.unlock()

	tr, ok := s.transfers[id]
	if !ok || tr.Status != from {
		return false, nil
	}
	tr.Status = to
	stamp := at
	if to == TransferAccepted {
		tr.AcceptedAt = &stamp
	} else {
		tr.ExpiredAt = &stamp
	}
	return true, nil
}

// AppendMessage stores a message and assigns its sequence number.
func (r *mockRepo) AppendMessage(ctx context.Context, msg *Message) error {
	s := r.lock()
	defer r.unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("inserting message: %w", errMockForeignKey)
	}
	msg.Seq = s.next()
	m := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &m)
	return nil
}

// ListMessages returns a conversation's transcript, most recent limit if limit > 0.
func (r *mockRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	s := r.lock()
	defer r.unlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*Message, len(msgs))
	for i, m := range msgs {
		mc := *m
		result[i] = &mc
	}
	return result, nil
}

// load counts an operator's held conversations, ignoring exclude.
func (s *mockState) load(operatorID, exclude string) int {
	n := 0
	for _, c := range s.conversations {
		if c.ID == exclude {
			continue
		}
		if c.Status.HoldsOperator() && c.OperatorID != nil && *c.OperatorID == operatorID {
			n++
		}
	}
	return n
}

// checkConversationRow enforces the same CHECK constraints as the SQL schema.
func checkConversationRow(c *Conversation) error {
	if c.Status.HoldsOperator() != (c.OperatorID != nil) {
		return errors.New("CHECK constraint failed: operator_id must be set exactly when assigned or active")
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("CHECK constraint failed: priority %q", c.Priority)
	}
	if c.Rating != nil && (*c.Rating < 1 || *c.Rating > 5) {
		return errors.New("CHECK constraint failed: rating out of range")
	}
	return nil
}

func queueTime(c *Conversation) time.Time {
	if c.QueuedAt != nil {
		return *c.QueuedAt
	}
	return c.StartedAt
}

func copyOperator(op *Operator) *Operator {
	out := *op
	out.Settings = copySettings(op.Settings)
	return &out
}

func copySettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out
}

func copyTransfer(tr *Transfer) *Transfer {
	out := *tr
	out.AcceptedAt = cloneTime(tr.AcceptedAt)
	out.ExpiredAt = cloneTime(tr.ExpiredAt)
	return &out
}

func containsOperatorStatus(list []OperatorStatus, s OperatorStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsConversationStatus(list []ConversationStatus, s ConversationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
