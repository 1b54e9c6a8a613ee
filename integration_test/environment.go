package integration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"coachchat/internal/database"
	"coachchat/internal/models"
	"coachchat/internal/retry"
	"coachchat/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const localUserID = "coach-dana"

// TestEnvironment wires a runtime against a real SQLite store with
// in-memory stand-ins for the presence channel and notification sink.
type TestEnvironment struct {
	t       *testing.T
	DB      *database.Database
	DBPath  string
	Runtime *service.Runtime
	Channel *memoryChannel
	Sink    *memorySink
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "coachchat.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	channel := newMemoryChannel()
	sink := newMemorySink()

	runtime := service.NewRuntime(service.RuntimeConfig{
		LocalUserID:     localUserID,
		PageSize:        5,
		TypingDebounce:  50 * time.Millisecond,
		TypingStaleness: time.Second,
		SendBackoff: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
		},
	}, db, channel, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runtime.Run(ctx)
	}()

	env := &TestEnvironment{
		t:       t,
		DB:      db,
		DBPath:  dbPath,
		Runtime: runtime,
		Channel: channel,
		Sink:    sink,
		cancel:  cancel,
		done:    done,
	}
	t.Cleanup(env.Cleanup)
	return env
}

// SeedConversation persists a two-party conversation and returns its id.
func (env *TestEnvironment) SeedConversation(id, otherUserID, otherName string) string {
	env.t.Helper()
	err := env.DB.EnsureConversation(context.Background(), &models.Conversation{
		ID: id,
		Participants: []models.Participant{
			{UserID: localUserID, DisplayName: "Dana"},
			{UserID: otherUserID, DisplayName: otherName},
		},
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(env.t, err)
	return id
}

// Bootstrap loads persisted conversations into the runtime index.
func (env *TestEnvironment) Bootstrap() {
	env.t.Helper()
	require.NoError(env.t, env.Runtime.Bootstrap(context.Background()))
}

// WaitForMessages polls the thread snapshot until the conversation shows
// want messages all in the sent state.
func (env *TestEnvironment) WaitForMessages(conversationID string, want int) *service.ThreadState {
	env.t.Helper()

	var state *service.ThreadState
	require.Eventually(env.t, func() bool {
		snap, err := env.Runtime.ThreadSnapshot(conversationID)
		if err != nil || len(snap.Messages) != want {
			return false
		}
		for _, m := range snap.Messages {
			if m.DeliveryState != models.DeliverySent {
				return false
			}
		}
		state = snap
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return state
}

func (env *TestEnvironment) Cleanup() {
	env.cancel()
	<-env.done
	_ = env.DB.Close()
}

// memoryChannel satisfies service.PresenceChannel without Redis. Typing
// publishes are recorded and presence/typing events can be injected.
type memoryChannel struct {
	presence chan models.PresenceRecord
	typing   chan models.TypingSignal
	typed    chan models.TypingSignal
}

func newMemoryChannel() *memoryChannel {
	return &memoryChannel{
		presence: make(chan models.PresenceRecord, 16),
		typing:   make(chan models.TypingSignal, 16),
		typed:    make(chan models.TypingSignal, 64),
	}
}

func (c *memoryChannel) Subscribe(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error) {
	return c.presence, nil
}

func (c *memoryChannel) PublishTyping(ctx context.Context, conversationID string, isTyping bool) error {
	select {
	case c.typed <- models.TypingSignal{ConversationID: conversationID, UserID: localUserID, IsTyping: isTyping}:
	default:
	}
	return nil
}

func (c *memoryChannel) SubscribeTyping(ctx context.Context, conversationID string) (<-chan models.TypingSignal, error) {
	return c.typing, nil
}

// memorySink records notification events.
type memorySink struct {
	sent chan *models.Message
}

func newMemorySink() *memorySink {
	return &memorySink{sent: make(chan *models.Message, 64)}
}

func (s *memorySink) MessageSent(ctx context.Context, msg *models.Message) {
	select {
	case s.sent <- msg:
	default:
	}
}

func (s *memorySink) Mentioned(ctx context.Context, msg *models.Message, userID string) {}
