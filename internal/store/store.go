// ABOUTME: Store interfaces and entity types for handoff-gateway persistence
// ABOUTME: Defines Tenant, Operator, Conversation, Transfer, Message and the Repository contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a unique constraint
var ErrDuplicate = errors.New("already exists")

// OperatorStatus is the presence state an operator publishes.
type OperatorStatus string

const (
	OperatorOffline OperatorStatus = "offline"
	OperatorOnline  OperatorStatus = "online"
	OperatorAway    OperatorStatus = "away"
	OperatorBusy    OperatorStatus = "busy"
)

// Valid reports whether s is a known operator status.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorOffline, OperatorOnline, OperatorAway, OperatorBusy:
		return true
	}
	return false
}

// AcceptsWork reports whether an operator in this status may receive new conversations.
func (s OperatorStatus) AcceptsWork() bool {
	return s == OperatorOnline || s == OperatorAway
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationBot      ConversationStatus = "bot"
	ConversationWaiting  ConversationStatus = "waiting"
	ConversationAssigned ConversationStatus = "assigned"
	ConversationActive   ConversationStatus = "active"
	ConversationResolved ConversationStatus = "resolved"
)

// HoldsOperator reports whether a conversation in this status has an operator attached.
func (s ConversationStatus) HoldsOperator() bool {
	return s == ConversationAssigned || s == ConversationActive
}

// LoadStatuses are the conversation statuses that count towards an operator's load.
var LoadStatuses = []ConversationStatus{ConversationAssigned, ConversationActive}

// Priority orders waiting conversations.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a number that sorts urgent > high > normal > low. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TransferStatus is the state of one handoff attempt.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferAccepted TransferStatus = "accepted"
	TransferExpired  TransferStatus = "expired"
)

// TransferFromBot is the only origin a transfer currently has.
const TransferFromBot = "bot"

// Sender identifies who authored a transcript message.
type Sender string

const (
	SenderBot      Sender = "bot"
	SenderVisitor  Sender = "visitor"
	SenderOperator Sender = "operator"
	SenderSystem   Sender = "system"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderBot, SenderVisitor, SenderOperator, SenderSystem:
		return true
	}
	return false
}

// Close reasons recorded on resolved conversations.
const (
	CloseResolved  = "resolved"
	CloseAbandoned = "abandoned"
)

// Tenant is the isolation boundary every other entity belongs to.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Operator is a human agent who can take over conversations.
type Operator struct {
	ID            string
	TenantID      string
	UserID        string
	DisplayName   string
	Status        OperatorStatus
	MaxConcurrent int
	TotalResolved int
	Settings      map[string]any // free-form (skills etc.), not used for routing
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OperatorLoad pairs an operator with its derived current load.
type OperatorLoad struct {
	Operator    *Operator
	CurrentLoad int
}

// Conversation is one visitor session, handled first by the bot and optionally by an operator.
type Conversation struct {
	ID          string
	TenantID    string
	VisitorID   string
	Status      ConversationStatus
	Priority    Priority
	OperatorID  *string // non-nil iff Status is assigned or active
	HandledBy   *string // last operator that held the conversation, kept after resolution
	Reason      string
	StartedAt   time.Time
	QueuedAt    *time.Time
	AssignedAt  *time.Time
	ClosedAt    *time.Time
	CloseReason string
	Rating      *int
	UpdatedAt   time.Time
}

// Clone returns a deep copy so callers can prepare a transition without aliasing.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.OperatorID = cloneString(c.OperatorID)
	out.HandledBy = cloneString(c.HandledBy)
	out.QueuedAt = cloneTime(c.QueuedAt)
	out.AssignedAt = cloneTime(c.AssignedAt)
	out.ClosedAt = cloneTime(c.ClosedAt)
	if c.Rating != nil {
		r := *c.Rating
		out.Rating = &r
	}
	return &out
}

// Transfer is the audit record of one bot-to-operator handoff attempt.
type Transfer struct {
	ID             string
	TenantID       string
	ConversationID string
	FromType       string
	ToOperatorID   string
	Reason         string
	Status         TransferStatus
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	ExpiredAt      *time.Time
}

// Message is one entry of a conversation's append-only transcript.
type Message struct {
	ID             string
	Seq            int64
	TenantID       string
	ConversationID string
	Sender         Sender
	AuthorID       string // operator ID for operator messages
	Text           string
	IsInternal     bool
	CreatedAt      time.Time
}

// OperatorFilter narrows ListOperators.
type OperatorFilter struct {
	TenantID string
	Statuses []OperatorStatus // empty means any
}

// ConversationOrder selects the ordering of ListConversations.
type ConversationOrder int

const (
	// OrderStarted orders by start time, oldest first.
	OrderStarted ConversationOrder = iota
	// OrderQueue orders by priority (highest first), then queue time, then start time.
	OrderQueue
)

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	TenantID   string
	Statuses   []ConversationStatus // empty means any
	OperatorID string
	Order      ConversationOrder
	Limit      int // <= 0 means no limit
}

// TransferFilter narrows ListTransfers.
type TransferFilter struct {
	TenantID       string // empty only for system sweeps
	ConversationID string
	Status         TransferStatus
	CreatedBefore  *time.Time
	Limit          int
}

// Transition is a conditional write of a conversation row. It succeeds only if
// the stored status is one of From; Next carries every mutable column.
type Transition struct {
	From []ConversationStatus
	Next *Conversation

	// CapacityFor, when set, additionally requires that operator to belong to
	// the conversation's tenant and to have load below max_concurrent, not
	// counting this conversation. Unless Force is set the operator must also
	// be online or away.
	CapacityFor string
	Force       bool
}

// Repository is the CRUD surface the routing engine works against. All
// tenant scoping is the caller's responsibility.
type Repository interface {
	// Tenants
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	TenantsWithWaiting(ctx context.Context) ([]string, error)

	// Operators
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	GetOperatorByUser(ctx context.Context, userID string) (*Operator, error)
	UpdateOperator(ctx context.Context, op *Operator) error
	SetOperatorStatus(ctx context.Context, id string, status OperatorStatus, at time.Time) error
	IncrementOperatorResolved(ctx context.Context, id string, at time.Time) error
	ListOperators(ctx context.Context, filter OperatorFilter) ([]*Operator, error)
	OperatorLoads(ctx context.Context, tenantID string) (map[string]int, error)
	OperatorLoad(ctx context.Context, operatorID string) (int, error)
	LockOperator(ctx context.Context, id string) error
	RatingSummary(ctx context.Context, operatorID string) (count int, sum int, err error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	TransitionConversation(ctx context.Context, t Transition) (bool, error)

	// Transfers
	CreateTransfer(ctx context.Context, tr *Transfer) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	GetPendingTransfer(ctx context.Context, conversationID string) (*Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]*Transfer, error)
	TransitionTransfer(ctx context.Context, id string, from, to TransferStatus, at time.Time) (bool, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// Store is a Repository that can run units of work atomically.
type Store interface {
	Repository

	// Atomic runs fn inside a single transaction. Any error returned by fn
	// rolls back every write fn made through the supplied Repository.
	Atomic(ctx context.Context, fn func(Repository) error) error

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
