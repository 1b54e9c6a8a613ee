package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coachchat/internal/models"
	"coachchat/internal/privacy"
	"coachchat/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix       = "coachchat"
	presenceChannel = "coachchat:presence:events"

	// Publish guard: after this many consecutive Redis failures the
	// channel stops trying for a cooldown instead of timing out on
	// every typing keystroke.
	publishMaxFailures = 5
	publishCooldown    = 30 * time.Second
)

// Channel carries presence and typing signals between participants over
// Redis. Presence is a TTL'd key per user refreshed by a heartbeat;
// typing rides pub/sub per conversation. Everything here is best-effort:
// a Redis outage degrades indicators, never messaging.
type Channel struct {
	client        *redis.Client
	logger        *logrus.Logger
	localUserID   string
	ttl           time.Duration
	breaker       *circuitbreaker.Breaker
	stopHeartbeat context.CancelFunc
}

type Options struct {
	Addr        string
	Password    string
	DB          int
	LocalUserID string
	TTL         time.Duration
	Logger      *logrus.Logger
}

func NewChannel(opts Options) (*Channel, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.LocalUserID == "" {
		return nil, fmt.Errorf("local user id is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("presence TTL must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &Channel{
		client:      client,
		logger:      logger,
		localUserID: opts.LocalUserID,
		ttl:         opts.TTL,
		breaker:     circuitbreaker.New("redis-presence", publishMaxFailures, publishCooldown, logger),
	}, nil
}

func presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", keyPrefix, userID)
}

func typingChannel(conversationID string) string {
	return fmt.Sprintf("%s:typing:%s", keyPrefix, conversationID)
}

// Start verifies connectivity and begins the presence heartbeat. The
// heartbeat refreshes the local user's TTL key at half the TTL interval
// and announces the transition on the presence event channel.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	if err := c.announce(ctx, true); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.stopHeartbeat = cancel
	go c.heartbeat(hbCtx)
	return nil
}

func (c *Channel) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.announce(ctx, true); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Debug("Presence heartbeat failed")
			}
		}
	}
}

func (c *Channel) announce(ctx context.Context, online bool) error {
	record := models.PresenceRecord{
		UserID:   c.localUserID,
		IsOnline: online,
		LastSeen: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return c.breaker.Do(ctx, func(ctx context.Context) error {
		if online {
			if err := c.client.Set(ctx, presenceKey(c.localUserID), payload, c.ttl).Err(); err != nil {
				return err
			}
		} else {
			if err := c.client.Del(ctx, presenceKey(c.localUserID)).Err(); err != nil {
				return err
			}
		}
		return c.client.Publish(ctx, presenceChannel, payload).Err()
	})
}

// Subscribe streams presence changes for the given users. The current
// state of each user is delivered first, then live updates from the
// event channel until ctx is cancelled.
func (c *Channel) Subscribe(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error) {
	sub := c.client.Subscribe(ctx, presenceChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence events: %w", err)
	}

	watched := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		watched[id] = true
	}

	out := make(chan models.PresenceRecord, 16)
	go func() {
		defer close(out)
		defer func() {
			_ = sub.Close()
		}()

		for _, id := range userIDs {
			record, err := c.snapshot(ctx, id)
			if err != nil {
				c.logger.WithError(err).WithField("userId", privacy.MaskUserID(id)).Debug("Presence snapshot failed")
				continue
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var record models.PresenceRecord
				if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
					c.logger.WithError(err).Debug("Dropping malformed presence event")
					continue
				}
				if !watched[record.UserID] {
					continue
				}
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Channel) snapshot(ctx context.Context, userID string) (models.PresenceRecord, error) {
	payload, err := c.client.Get(ctx, presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return models.PresenceRecord{UserID: userID, IsOnline: false}, nil
	}
	if err != nil {
		return models.PresenceRecord{}, err
	}

	var record models.PresenceRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return models.PresenceRecord{}, err
	}
	return record, nil
}

// PublishTyping broadcasts the local user's typing state to everyone
// subscribed to the conversation.
func (c *Channel) PublishTyping(ctx context.Context, conversationID string, isTyping bool) error {
	signal := models.TypingSignal{
		ConversationID: conversationID,
		UserID:         c.localUserID,
		IsTyping:       isTyping,
		UpdatedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.client.Publish(ctx, typingChannel(conversationID), payload).Err()
	})
}

// SubscribeTyping streams typing signals for one conversation until ctx
// is cancelled.
func (c *Channel) SubscribeTyping(ctx context.Context, conversationID string) (<-chan models.TypingSignal, error) {
	sub := c.client.Subscribe(ctx, typingChannel(conversationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to typing events: %w", err)
	}

	out := make(chan models.TypingSignal, 16)
	go func() {
		defer close(out)
		defer func() {
			_ = sub.Close()
		}()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var signal models.TypingSignal
				if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
					c.logger.WithError(err).Debug("Dropping malformed typing event")
					continue
				}
				select {
				case out <- signal:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close announces offline and releases the Redis connection.
func (c *Channel) Close() error {
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.announce(ctx, false); err != nil {
		c.logger.WithError(err).Debug("Failed to announce offline")
	}
	return c.client.Close()
}
