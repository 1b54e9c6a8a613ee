package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coachchat/internal/models"
	"coachchat/internal/retry"
	"coachchat/internal/service"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	mu       sync.Mutex
	messages map[string][]*models.Message
	convs    []*models.Conversation
	sendSeq  int
}

func newStubStore() *stubStore {
	now := time.Now().UTC()
	return &stubStore{
		messages: make(map[string][]*models.Message),
		convs: []*models.Conversation{
			{
				ID: "conv-1",
				Participants: []models.Participant{
					{UserID: "coach-dana", DisplayName: "Dana"},
					{UserID: "client-sam", DisplayName: "Sam"},
				},
				CreatedAt: now,
			},
		},
	}
}

func (s *stubStore) FetchPage(ctx context.Context, conversationID, beforeMessageID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *stubStore) Send(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendSeq++
	msg := &models.Message{
		ID:             fmt.Sprintf("msg-%d", s.sendSeq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		Attachments:    attachments,
		CreatedAt:      time.Now().UTC(),
		DeliveryState:  models.DeliverySent,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg.Clone(), nil
}

func (s *stubStore) Edit(ctx context.Context, messageID, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				m.Content = content
				now := time.Now().UTC()
				m.EditedAt = &now
				return m.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("message %s not found", messageID)
}

func (s *stubStore) Delete(ctx context.Context, messageID string) error { return nil }

func (s *stubStore) React(ctx context.Context, messageID, userID, emoji string) error { return nil }

func (s *stubStore) Conversations(ctx context.Context) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Conversation, len(s.convs))
	copy(out, s.convs)
	return out, nil
}

type stubChannel struct{}

func (stubChannel) Subscribe(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error) {
	ch := make(chan models.PresenceRecord)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (stubChannel) PublishTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return nil
}

func (stubChannel) SubscribeTyping(ctx context.Context, conversationID string) (<-chan models.TypingSignal, error) {
	ch := make(chan models.TypingSignal)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type stubSink struct{}

func (stubSink) MessageSent(ctx context.Context, msg *models.Message)           {}
func (stubSink) Mentioned(ctx context.Context, msg *models.Message, userID string) {}

func newTestServer(t *testing.T) (*Server, *stubStore) {
	t.Helper()
	store := newStubStore()
	return newTestServerWith(t, store), store
}

func newTestServerWith(t *testing.T, store service.MessageStore) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	runtime := service.NewRuntime(service.RuntimeConfig{
		LocalUserID:     "coach-dana",
		PageSize:        50,
		TypingDebounce:  100 * time.Millisecond,
		TypingStaleness: time.Second,
		SendBackoff: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  2,
		},
	}, store, stubChannel{}, stubSink{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runtime.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, runtime.Bootstrap(ctx))

	return NewServer(runtime, models.ServerConfig{Port: 0}, logger)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestListConversations(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversations []struct {
			ID          string `json:"id"`
			UnreadBadge string `json:"unreadBadge"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "conv-1", resp.Conversations[0].ID)
	assert.Equal(t, "", resp.Conversations[0].UnreadBadge)
}

func TestListConversationsRejectsBadArchivedParam(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/conversations?archived=maybe", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTotalUnreadBadge(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/conversations/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total int    `json:"total"`
		Badge string `json:"badge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Total)
	assert.Equal(t, "", resp.Badge)
}

func TestSendAndSnapshotFlow(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/open", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]interface{}{"content": "Great session today"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var sendResp struct {
		TempID string `json:"tempId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sendResp))
	assert.True(t, strings.HasPrefix(sendResp.TempID, models.TempIDPrefix))

	require.Eventually(t, func() bool {
		rec := doRequest(t, server, http.MethodGet, "/api/conversations/conv-1/messages", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var state service.ThreadState
		if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
			return false
		}
		return len(state.Messages) == 1 &&
			state.Messages[0].DeliveryState == models.DeliverySent &&
			!models.IsPendingID(state.Messages[0].ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendValidationFailure(t *testing.T) {
	server, _ := newTestServer(t)

	doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/open", nil)

	rec := doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]interface{}{"content": "   "})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
}

func TestSnapshotOfClosedConversationFails(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/conversations/conv-9/messages", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReadAndArchive(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/read", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/archive",
		map[string]interface{}{"archived": true})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.Eventually(t, func() bool {
		rec := doRequest(t, server, http.MethodGet, "/api/conversations?archived=true", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Conversations []json.RawMessage `json:"conversations"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return len(resp.Conversations) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTypingEndpointRequiresBody(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/conversations/conv-1/typing", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresenceEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/presence/client-sam", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID  string `json:"userId"`
		Display string `json:"display"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "client-sam", resp.UserID)
	assert.Equal(t, "offline", resp.Display)
}

// ctxStrictStore fails reads and writes on a dead context, the way the
// SQLite driver does once a request finishes.
type ctxStrictStore struct {
	*stubStore
}

func (s *ctxStrictStore) FetchPage(ctx context.Context, conversationID, beforeMessageID string, limit int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.stubStore.FetchPage(ctx, conversationID, beforeMessageID, limit)
}

func (s *ctxStrictStore) Send(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.stubStore.Send(ctx, conversationID, senderID, content, kind, attachments)
}

func TestAsyncWorkSurvivesRequestCompletion(t *testing.T) {
	store := &ctxStrictStore{stubStore: newStubStore()}
	server := newTestServerWith(t, store)

	// A real server, so each handler's context is cancelled as soon as
	// its response goes out.
	ts := httptest.NewServer(server.router)
	defer ts.Close()

	post := func(path string, body interface{}) *http.Response {
		var reader *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}
		resp, err := http.Post(ts.URL+path, "application/json", reader)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := post("/api/conversations/conv-1/open", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post("/api/conversations/conv-1/messages", map[string]interface{}{"content": "See you at nine"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	snapshot := func() (service.ThreadState, bool) {
		var state service.ThreadState
		resp, err := http.Get(ts.URL + "/api/conversations/conv-1/messages")
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			return state, false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return state, false
		}
		return state, true
	}

	// The open-page fetch and the send both finish after their requests
	// already returned.
	require.Eventually(t, func() bool {
		state, ok := snapshot()
		if !ok || state.Loading || state.PageError != "" {
			return false
		}
		return len(state.Messages) == 1 &&
			state.Messages[0].DeliveryState == models.DeliverySent &&
			!models.IsPendingID(state.Messages[0].ID)
	}, 2*time.Second, 10*time.Millisecond)

	resp = post("/api/conversations/conv-1/messages/older", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		state, ok := snapshot()
		return ok && !state.Loading && state.PageError == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketReceivesUpdates(t *testing.T) {
	server, _ := newTestServer(t)

	ts := httptest.NewServer(server.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return server.hub.clientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	server.hub.broadcastUpdate(service.UpdateConversations, "conv-1")

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)

	var event updateEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, service.UpdateConversations, event.Kind)
	assert.Equal(t, "conv-1", event.ConversationID)
}

func TestWebSocketInboundReachesRuntime(t *testing.T) {
	server, _ := newTestServer(t)

	ts := httptest.NewServer(server.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	inbound := map[string]interface{}{
		"id":             "msg-inbound-1",
		"conversationId": "conv-1",
		"senderId":       "client-sam",
		"content":        "Running five minutes late",
		"createdAt":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(inbound)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))

	require.Eventually(t, func() bool {
		rec := doRequest(t, server, http.MethodGet, "/api/conversations/unread", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Total int `json:"total"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Total == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsUpdatesForSlowClient(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	hub := newWSHub(logger)

	_, ch := hub.register()
	for i := 0; i < wsSendBufferSize+10; i++ {
		hub.broadcastUpdate(service.UpdateThread, "conv-1")
	}

	assert.Len(t, ch, wsSendBufferSize)
}

func TestHubCloseAllDisconnectsClients(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	hub := newWSHub(logger)

	id, ch := hub.register()
	hub.closeAll()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.clientCount())

	// Unregister after close is a no-op, and late registrations get a
	// closed channel instead of leaking.
	hub.unregister(id)
	_, lateCh := hub.register()
	_, open = <-lateCh
	assert.False(t, open)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-cache")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
}
