package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisKeyPrefix   = "chatsync:"
	mirrorMaxRetries = 8
)

// RedisStore is a RemoteStore on Redis. Each conversation is a JSON string
// at chatsync:conv:{id}; chatsync:user:{id}:convs is a sorted set of the
// user's conversation ids scored by lastMessageTimestamp; every write is
// published on chatsync:conv:{id}:changes.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

var _ RemoteStore = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The store does not own the
// client's lifecycle unless Close is called.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// DialRedisStore parses url, connects and pings.
func DialRedisStore(ctx context.Context, url string, logger zerolog.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{client: c, logger: logger}, nil
}

func docKey(id string) string     { return redisKeyPrefix + "conv:" + id }
func channelKey(id string) string { return redisKeyPrefix + "conv:" + id + ":changes" }
func userKey(uid string) string   { return redisKeyPrefix + "user:" + uid + ":convs" }

func (s *RedisStore) Get(ctx context.Context, id string) (*Conversation, error) {
	data, err := s.client.Get(ctx, docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode remote %s: %w", id, err)
	}
	return &conv, nil
}

// Mirror merges conv into the stored document inside a WATCH transaction,
// retrying when another writer got there first.
func (s *RedisStore) Mirror(ctx context.Context, conv *Conversation) (*Conversation, error) {
	if conv == nil || conv.ID == "" {
		return nil, fmt.Errorf("%w: conversation without id", ErrInvalidArgument)
	}
	key := docKey(conv.ID)

	var stored *Conversation
	txf := func(tx *redis.Tx) error {
		merged := conv.Clone()
		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var cur Conversation
			if err := json.Unmarshal(existing, &cur); err != nil {
				return fmt.Errorf("decode remote %s: %w", conv.ID, err)
			}
			merged = mergeConversations(&cur, conv)
		}
		refreshSummary(merged)

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		score := float64(merged.sortTime().UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, p := range merged.Participants {
				pipe.ZAdd(ctx, userKey(p), redis.Z{Score: score, Member: merged.ID})
			}
			pipe.Publish(ctx, channelKey(merged.ID), data)
			return nil
		})
		if err == nil {
			stored = merged
		}
		return err
	}

	for i := 0; i < mirrorMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug().Str("conversation", conv.ID).Int("attempt", i+1).Msg("mirror contended; retrying")
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("mirror %s: too much contention", conv.ID)
}

func (s *RedisStore) Query(ctx context.Context, userID string) ([]*Conversation, error) {
	ids, err := s.client.ZRevRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var conv Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			s.logger.Warn().Err(err).Str("conversation", ids[i]).Msg("skipping unreadable remote document")
			continue
		}
		out = append(out, &conv)
	}
	return out, nil
}

// Subscribe waits for Redis to confirm the subscription before returning,
// so a nil error means events will be delivered.
func (s *RedisStore) Subscribe(ctx context.Context, id string, fn func(*Conversation)) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channelKey(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	sub := &redisSubscription{ps: ps, gate: &callbackGate{fn: fn}, done: make(chan struct{})}
	go sub.run(s.logger.With().Str("conversation", id).Logger())
	return sub, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	gate *callbackGate
	done chan struct{}
}

func (r *redisSubscription) run(logger zerolog.Logger) {
	defer close(r.done)
	for msg := range r.ps.Channel() {
		var conv Conversation
		if err := json.Unmarshal([]byte(msg.Payload), &conv); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed change event")
			continue
		}
		if !r.gate.deliver(&conv) {
			return
		}
	}
}

func (r *redisSubscription) Close() error {
	if !r.gate.close() {
		return nil
	}
	return r.ps.Close()
}
