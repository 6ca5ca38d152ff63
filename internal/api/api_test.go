// ABOUTME: Tests for the HTTP API against a real engine on the in-memory store
// ABOUTME: Covers the handoff flow, error mapping, idempotent starts, HTML transcripts and SSE

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

type fakeReadiness struct{ err error }

func (f fakeReadiness) Ping(context.Context) error { return f.err }

type testAPI struct {
	t           *testing.T
	server      *httptest.Server
	verifier    *auth.JWTVerifier
	broadcaster *events.Broadcaster
}

func newTestAPI(t *testing.T, readiness ReadinessChecker) *testAPI {
	t.Helper()

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	broadcaster := events.NewBroadcaster(nil)
	cache := dedupe.New(dedupe.Options{})
	engine := routing.New(store.NewMockStore(), routing.Options{Publisher: broadcaster})

	a := New(Options{
		Engine:      engine,
		Broadcaster: broadcaster,
		Idempotency: cache,
		Readiness:   readiness,
		Heartbeat:   time.Hour,
	})
	server := httptest.NewServer(a.Handler(auth.HTTPAuthMiddleware(verifier, nil)))
	t.Cleanup(func() {
		server.Close()
		broadcaster.Close()
		cache.Close()
	})

	return &testAPI{t: t, server: server, verifier: verifier, broadcaster: broadcaster}
}

func (ta *testAPI) token(tenantID, userID string) string {
	ta.t.Helper()
	tok, err := ta.verifier.Generate(auth.Identity{TenantID: tenantID, UserID: userID}, time.Hour)
	require.NoError(ta.t, err)
	return tok
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (ta *testAPI) do(method, path, token string, body any, out any, headers ...string) *http.Response {
	ta.t.Helper()

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(ta.t, err)
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, ta.server.URL+path, reader)
	require.NoError(ta.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := ta.server.Client().Do(req)
	require.NoError(ta.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(ta.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (ta *testAPI) operator(tenantID, userID, name, status string, max int) OperatorResponse {
	ta.t.Helper()
	var op OperatorResponse
	resp := ta.do(http.MethodPut, "/api/operators/me", ta.token(tenantID, userID), UpsertOperatorRequest{
		DisplayName:   &name,
		MaxConcurrent: &max,
		Status:        &status,
	}, &op)
	require.Equal(ta.t, http.StatusOK, resp.StatusCode)
	return op
}

func (ta *testAPI) conversation(tenantID, visitorID string) ConversationResponse {
	ta.t.Helper()
	var conv ConversationResponse
	resp := ta.do(http.MethodPost, "/api/conversations", ta.token(tenantID, "widget"),
		StartConversationRequest{VisitorID: visitorID}, &conv)
	require.Equal(ta.t, http.StatusCreated, resp.StatusCode)
	return conv
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t, fakeReadiness{})

	resp := ta.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ta.do(http.MethodGet, "/health/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_StoreDown(t *testing.T) {
	ta := newTestAPI(t, fakeReadiness{err: errors.New("db gone")})

	resp := ta.do(http.MethodGet, "/health/ready", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPI_RequiresToken(t *testing.T) {
	ta := newTestAPI(t, nil)

	resp := ta.do(http.MethodGet, "/api/queue", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ta.do(http.MethodGet, "/api/queue", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandoffFlow(t *testing.T) {
	ta := newTestAPI(t, nil)
	alice := ta.operator("acme", "alice", "Alice", "online", 2)
	aliceToken := ta.token("acme", "alice")
	conv := ta.conversation("acme", "visitor-1")
	assert.Equal(t, "bot", conv.Status)

	var handoff HandoffResponse
	resp := ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/handoff", ta.token("acme", "widget"),
		HandoffRequest{Reason: "billing question", Priority: "high"}, &handoff)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "assigned", handoff.Status)
	require.NotNil(t, handoff.Operator)
	assert.Equal(t, alice.ID, handoff.Operator.ID)
	require.NotNil(t, handoff.Transfer)
	assert.Equal(t, "pending", handoff.Transfer.Status)
	assert.Equal(t, "high", handoff.Conversation.Priority)

	// Accept without operator_id uses the caller's profile
	var accepted ConversationResponse
	resp = ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/accept", aliceToken, nil, &accepted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", accepted.Status)
	require.NotNil(t, accepted.OperatorID)
	assert.Equal(t, alice.ID, *accepted.OperatorID)

	var msg MessageResponse
	resp = ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/messages", aliceToken,
		AppendMessageRequest{Sender: "operator", Text: "Let me check that invoice."}, &msg)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, alice.ID, msg.AuthorID)

	var transcript TranscriptResponse
	resp = ta.do(http.MethodGet, "/api/conversations/"+conv.ID+"/messages", aliceToken, nil, &transcript)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.GreaterOrEqual(t, len(transcript.Messages), 3)
	assert.Equal(t, "Let me check that invoice.", transcript.Messages[len(transcript.Messages)-1].Text)

	rating := 4
	var resolved ConversationResponse
	resp = ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/resolve", aliceToken,
		ResolveRequest{Rating: &rating}, &resolved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resolved", resolved.Status)
	assert.Nil(t, resolved.OperatorID)
	require.NotNil(t, resolved.HandledBy)
	assert.Equal(t, alice.ID, *resolved.HandledBy)

	var stats routing.OperatorStats
	resp = ta.do(http.MethodGet, "/api/operators/"+alice.ID+"/stats", aliceToken, nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, stats.TotalResolved)
	assert.Equal(t, 0, stats.ActiveChats)
	assert.InDelta(t, 4.0, stats.AverageRating, 0.001)

	var transfers TransfersResponse
	resp = ta.do(http.MethodGet, "/api/conversations/"+conv.ID+"/transfers", aliceToken, nil, &transfers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, transfers.Transfers, 1)
	assert.Equal(t, "accepted", transfers.Transfers[0].Status)
	assert.NotEmpty(t, transfers.Transfers[0].AcceptedAt)
}

func TestHandoff_QueuesAndDrains(t *testing.T) {
	ta := newTestAPI(t, nil)
	widget := ta.token("acme", "widget")
	first := ta.conversation("acme", "visitor-1")
	second := ta.conversation("acme", "visitor-2")

	var handoff HandoffResponse
	resp := ta.do(http.MethodPost, "/api/conversations/"+first.ID+"/handoff", widget, nil, &handoff)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "waiting", handoff.Status)
	assert.Equal(t, 1, handoff.Position)
	assert.Nil(t, handoff.Operator)

	resp = ta.do(http.MethodPost, "/api/conversations/"+second.ID+"/handoff", widget,
		HandoffRequest{Priority: "urgent"}, &handoff)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, handoff.Position, "urgent jumps the queue")

	var queue QueueResponse
	resp = ta.do(http.MethodGet, "/api/queue", widget, nil, &queue)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, queue.Conversations, 2)
	assert.Equal(t, second.ID, queue.Conversations[0].ID)
	assert.Equal(t, 1, queue.Conversations[0].Position)
	assert.Equal(t, first.ID, queue.Conversations[1].ID)
	assert.Equal(t, 2, queue.Conversations[1].Position)

	bob := ta.operator("acme", "bob", "Bob", "online", 1)

	var available OperatorsResponse
	resp = ta.do(http.MethodGet, "/api/operators/available", widget, nil, &available)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, available.Operators, 1)
	require.NotNil(t, available.Operators[0].CurrentLoad)
	assert.Equal(t, 0, *available.Operators[0].CurrentLoad)

	var drained DrainResponse
	resp = ta.do(http.MethodPost, "/api/queue/drain", widget, nil, &drained)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, drained.Assigned, 1)
	assert.Equal(t, second.ID, drained.Assigned[0].ID)
	require.NotNil(t, drained.Assigned[0].OperatorID)
	assert.Equal(t, bob.ID, *drained.Assigned[0].OperatorID)

	resp = ta.do(http.MethodGet, "/api/queue", widget, nil, &queue)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, queue.Conversations, 1)
	assert.Equal(t, first.ID, queue.Conversations[0].ID)
}

func TestAssignAndAbandon(t *testing.T) {
	ta := newTestAPI(t, nil)
	carol := ta.operator("acme", "carol", "Carol", "online", 1)
	supervisor := ta.token("acme", "supervisor")
	conv := ta.conversation("acme", "visitor-1")

	resp := ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/assign", supervisor, OperatorRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var assigned HandoffResponse
	resp = ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/assign", supervisor,
		OperatorRequest{OperatorID: carol.ID}, &assigned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "assigned", assigned.Status)

	// Carol is full now
	other := ta.conversation("acme", "visitor-2")
	var errResp ErrorResponse
	resp = ta.do(http.MethodPost, "/api/conversations/"+other.ID+"/assign", supervisor,
		OperatorRequest{OperatorID: carol.ID}, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "capacity", errResp.Code)

	var abandoned ConversationResponse
	resp = ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/abandon", supervisor, nil, &abandoned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resolved", abandoned.Status)
	assert.Equal(t, store.CloseAbandoned, abandoned.CloseReason)
}

func TestErrorMapping(t *testing.T) {
	ta := newTestAPI(t, nil)
	conv := ta.conversation("acme", "visitor-1")
	acme := ta.token("acme", "widget")
	globex := ta.token("globex", "widget")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"unknown conversation", http.MethodGet, "/api/conversations/missing", acme, nil, http.StatusNotFound, "not_found"},
		{"other tenant", http.MethodGet, "/api/conversations/" + conv.ID, globex, nil, http.StatusForbidden, "tenant_mismatch"},
		{"accept unknown operator", http.MethodPost, "/api/conversations/" + conv.ID + "/accept", acme, OperatorRequest{OperatorID: "op"}, http.StatusNotFound, "not_found"},
		{"bad priority", http.MethodPost, "/api/conversations/" + conv.ID + "/handoff", acme, HandoffRequest{Priority: "asap"}, http.StatusBadRequest, "invalid_argument"},
		{"invalid json", http.MethodPost, "/api/conversations", acme, "{", http.StatusBadRequest, "invalid_argument"},
		{"missing visitor", http.MethodPost, "/api/conversations", acme, StartConversationRequest{}, http.StatusBadRequest, "invalid_argument"},
		{"resolve bot conversation", http.MethodPost, "/api/conversations/" + conv.ID + "/resolve", acme, nil, http.StatusConflict, "invalid_state"},
		{"bad rating", http.MethodPost, "/api/conversations/" + conv.ID + "/resolve", acme, map[string]int{"rating": 9}, http.StatusBadRequest, "invalid_argument"},
		{"bad transcript limit", http.MethodGet, "/api/conversations/" + conv.ID + "/messages?limit=0", acme, nil, http.StatusBadRequest, "invalid_argument"},
		{"bad transcript format", http.MethodGet, "/api/conversations/" + conv.ID + "/messages?format=pdf", acme, nil, http.StatusBadRequest, "invalid_argument"},
		{"accept without profile", http.MethodPost, "/api/conversations/" + conv.ID + "/accept", acme, nil, http.StatusNotFound, "not_found"},
		{"bad operator status", http.MethodPut, "/api/operators/me", acme, map[string]string{"status": "sleeping"}, http.StatusBadRequest, "invalid_argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			resp := ta.do(tt.method, tt.path, tt.token, tt.body, &errResp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errResp.Code)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{routing.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", routing.ErrTenantMismatch), http.StatusForbidden},
		{&routing.NotFoundError{Entity: "operator", ID: "x"}, http.StatusNotFound},
		{&routing.StateError{Op: "accept", ConversationID: "c", Status: store.ConversationBot}, http.StatusConflict},
		{routing.ErrCapacity, http.StatusConflict},
		{routing.ErrInvalidArgument, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestStartConversation_IdempotencyKey(t *testing.T) {
	ta := newTestAPI(t, nil)
	widget := ta.token("acme", "widget")
	body := StartConversationRequest{VisitorID: "visitor-1"}

	var first, second, other ConversationResponse
	resp := ta.do(http.MethodPost, "/api/conversations", widget, body, &first, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ta.do(http.MethodPost, "/api/conversations", widget, body, &second, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first.ID, second.ID)

	// Keys are scoped to the caller
	resp = ta.do(http.MethodPost, "/api/conversations", ta.token("acme", "other-widget"), body, &other, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestTranscript_HTML(t *testing.T) {
	ta := newTestAPI(t, nil)
	widget := ta.token("acme", "widget")
	conv := ta.conversation("acme", "visitor-1")

	resp := ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/messages", widget,
		AppendMessageRequest{Sender: "visitor", Text: "My order is **late** <script>alert(1)</script>"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ta.server.URL+"/api/conversations/"+conv.ID+"/messages?format=html", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+widget)
	httpResp, err := ta.server.Client().Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()

	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Contains(t, httpResp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	html := string(body)
	assert.Contains(t, html, "<strong>late</strong>")
	assert.Contains(t, html, "message-visitor")
	assert.NotContains(t, html, "<script>")
}

func TestEvents_StreamsTenantEvents(t *testing.T) {
	ta := newTestAPI(t, nil)
	conv := ta.conversation("acme", "visitor-1")
	other := ta.conversation("globex", "visitor-9")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// EventSource clients pass the token as a query parameter
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ta.server.URL+"/api/events?access_token="+ta.token("acme", "dashboard"), nil)
	require.NoError(t, err)
	resp, err := ta.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	require.Equal(t, "ready", name)
	require.Eventually(t, func() bool {
		return ta.broadcaster.Subscribers("acme") == 1
	}, time.Second, 10*time.Millisecond)

	// An event for another tenant must not arrive on this stream
	resp2 := ta.do(http.MethodPost, "/api/conversations/"+other.ID+"/handoff", ta.token("globex", "widget"), nil, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	resp2 = ta.do(http.MethodPost, "/api/conversations/"+conv.ID+"/handoff", ta.token("acme", "widget"), nil, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	name, data := readEvent()
	assert.Equal(t, string(events.HandoffQueued), name)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, conv.ID, ev.ConversationID)
	assert.NotEmpty(t, ev.ID)
}
