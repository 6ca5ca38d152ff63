// ABOUTME: Routing engine: the public handoff operations over a transactional store
// ABOUTME: Each operation is one atomic unit of work; events are published after commit

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/store"
)

// Defaults applied by New.
const (
	DefaultTransferTimeout  = 2 * time.Minute
	DefaultMaxClaimAttempts = 3
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Policy               Policy
	Publisher            events.Publisher
	Clock                func() time.Time
	Logger               *slog.Logger
	TransferTimeout      time.Duration
	MaxClaimAttempts     int
	DefaultMaxConcurrent int
}

// Engine routes conversations between the bot, the queue and operators.
// It is safe for concurrent use; all coordination happens in the store.
type Engine struct {
	store            store.Store
	policy           Policy
	publisher        events.Publisher
	now              func() time.Time
	logger           *slog.Logger
	transferTimeout  time.Duration
	maxClaimAttempts int

	lifecycle *Lifecycle
	queue     *Queue
	ledger    *Ledger
	directory *Directory
}

// New creates an Engine over s.
func New(s store.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = LeastLoaded{}
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = DefaultTransferTimeout
	}
	if opts.MaxClaimAttempts <= 0 {
		opts.MaxClaimAttempts = DefaultMaxClaimAttempts
	}
	if opts.DefaultMaxConcurrent <= 0 {
		opts.DefaultMaxConcurrent = DefaultMaxConcurrent
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time { return clock().UTC() }

	lifecycle := &Lifecycle{now: now}
	return &Engine{
		store:            s,
		policy:           opts.Policy,
		publisher:        opts.Publisher,
		now:              now,
		logger:           opts.Logger.With("component", "routing"),
		transferTimeout:  opts.TransferTimeout,
		maxClaimAttempts: opts.MaxClaimAttempts,
		lifecycle:        lifecycle,
		queue:            &Queue{lifecycle: lifecycle},
		ledger:           &Ledger{now: now},
		directory:        &Directory{now: now, defaultMaxConcurrent: opts.DefaultMaxConcurrent},
	}
}

// TransferTimeout returns how long a transfer may stay pending.
func (e *Engine) TransferTimeout() time.Duration {
	return e.transferTimeout
}

// unit is one atomic piece of work and the events it will emit on commit.
type unit struct {
	repo   store.Repository
	events []events.Event
}

func (u *unit) emit(ev events.Event) {
	u.events = append(u.events, ev)
}

// run executes fn atomically and publishes its events once committed.
func (e *Engine) run(ctx context.Context, fn func(u *unit) error) error {
	var committed *unit
	err := e.store.Atomic(ctx, func(repo store.Repository) error {
		u := &unit{repo: repo}
		if err := fn(u); err != nil {
			return err
		}
		committed = u
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, committed.events)
	return nil
}

// publish delivers events. Failures are logged; the state change already happened.
func (e *Engine) publish(ctx context.Context, evs []events.Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.At.IsZero() {
			ev.At = e.now()
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("failed to publish event",
				"type", ev.Type,
				"conversation_id", ev.ConversationID,
				"error", err,
			)
		}
	}
}

// identity returns the caller, or ErrUnauthenticated.
func identity(ctx context.Context) (auth.Identity, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// sameTenant rejects operations naming a tenant other than the caller's.
func sameTenant(id auth.Identity, tenantID string) error {
	if tenantID != id.TenantID {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantMismatch)
	}
	return nil
}

// loadConversation reads a conversation and checks it belongs to tenantID.
func loadConversation(ctx context.Context, repo store.Repository, tenantID, id string) (*store.Conversation, error) {
	conv, err := repo.GetConversation(ctx, id)
	if err != nil {
		return nil, notFound("conversation", id, err)
	}
	if conv.TenantID != tenantID {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrTenantMismatch)
	}
	return conv, nil
}

// ensureTenant creates the tenant row on first use.
func (e *Engine) ensureTenant(ctx context.Context, repo store.Repository, tenantID string) error {
	_, err := repo.GetTenant(ctx, tenantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading tenant %s: %w", tenantID, err)
	}
	err = repo.CreateTenant(ctx, &store.Tenant{ID: tenantID, Name: tenantID, CreatedAt: e.now()})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("creating tenant %s: %w", tenantID, err)
	}
	return nil
}

// StartConversation opens a conversation for a visitor, handled by the bot.
func (e *Engine) StartConversation(ctx context.Context, visitorID string) (*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if visitorID == "" {
		return nil, invalidArgument("visitor id is required")
	}

	now := e.now()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		TenantID:  id.TenantID,
		VisitorID: visitorID,
		Status:    store.ConversationBot,
		Priority:  store.PriorityNormal,
		StartedAt: now,
		UpdatedAt: now,
	}
	err = e.run(ctx, func(u *unit) error {
		if err := e.ensureTenant(ctx, u.repo, id.TenantID); err != nil {
			return err
		}
		if err := u.repo.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("conversation started", "conversation_id", conv.ID, "tenant_id", conv.TenantID)
	return conv, nil
}

// GetConversation returns one of the caller's conversations.
func (e *Engine) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	return loadConversation(ctx, e.store, id.TenantID, conversationID)
}

// AppendMessage adds a message to an open conversation's transcript.
// Operator messages are attributed to the caller's operator profile.
func (e *Engine) AppendMessage(ctx context.Context, conversationID string, sender store.Sender, text string, internal bool) (*store.Message, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if !sender.Valid() {
		return nil, invalidArgument("unknown sender %q", sender)
	}
	if text == "" {
		return nil, invalidArgument("message text is required")
	}

	var msg *store.Message
	err = e.run(ctx, func(u *unit) error {
		conv, err := loadConversation(ctx, u.repo, id.TenantID, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == store.ConversationResolved {
			return &StateError{Op: "append message", ConversationID: conv.ID, Status: conv.Status}
		}

		author := ""
		switch sender {
		case store.SenderVisitor:
			author = conv.VisitorID
		case store.SenderOperator:
			author, err = e.operatorAuthor(ctx, u.repo, id, conv)
			if err != nil {
				return err
			}
		}

		msg = &store.Message{
			ID:             uuid.New().String(),
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Sender:         sender,
			AuthorID:       author,
			Text:           text,
			IsInternal:     internal,
			CreatedAt:      e.now(),
		}
		if err := u.repo.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// operatorAuthor resolves the operator ID a message from the caller is attributed to.
func (e *Engine) operatorAuthor(ctx context.Context, repo store.Repository, id auth.Identity, conv *store.Conversation) (string, error) {
	op, err := repo.GetOperatorByUser(ctx, id.UserID)
	switch {
	case err == nil && op.TenantID == id.TenantID:
		return op.ID, nil
	case err == nil:
		return "", fmt.Errorf("operator %s: %w", op.ID, ErrTenantMismatch)
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("loading operator for user %s: %w", id.UserID, err)
	}
	if conv.OperatorID != nil {
		return *conv.OperatorID, nil
	}
	return id.UserID, nil
}

// Transcript returns the conversation's messages in append order. A positive
// limit keeps only the most recent messages.
func (e *Engine) Transcript(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := loadConversation(ctx, e.store, id.TenantID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := e.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// ListWaiting returns the tenant's queue in service order.
func (e *Engine) ListWaiting(ctx context.Context, tenantID string) ([]*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := sameTenant(id, tenantID); err != nil {
		return nil, err
	}
	return e.queue.PeekOrdered(ctx, e.store, tenantID)
}

// Transfers returns the conversation's transfer history, oldest first.
func (e *Engine) Transfers(ctx context.Context, conversationID string) ([]*store.Transfer, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := loadConversation(ctx, e.store, id.TenantID, conversationID); err != nil {
		return nil, err
	}
	return e.ledger.List(ctx, e.store, id.TenantID, conversationID)
}

func conversationEvent(typ events.Type, conv *store.Conversation) events.Event {
	ev := events.Event{
		Type:           typ,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Status:         string(conv.Status),
		At:             conv.UpdatedAt,
	}
	switch {
	case conv.OperatorID != nil:
		ev.OperatorID = *conv.OperatorID
	case conv.HandledBy != nil:
		ev.OperatorID = *conv.HandledBy
	}
	return ev
}
