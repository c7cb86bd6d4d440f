// Package handoff stores the structured payload a prompt-creation session
// produces, so a later teaching session can start from it.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/schollz/logger"
)

// ErrNoPayload is returned when nothing has been stored yet.
var ErrNoPayload = errors.New("no payload stored")

const (
	keyPrefix = "sahayak:payload:"
	latestKey = keyPrefix + "latest"
	channel   = "sahayak:payloads"

	// DefaultTTL is how long a stored payload stays available.
	DefaultTTL = 24 * time.Hour
)

// Record is one stored payload.
type Record struct {
	SessionID string    `json:"sessionId"`
	Mode      string    `json:"mode"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store keeps payloads in Redis and announces new ones on a channel.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewFromClient(client, ttl), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Save stores the record under its session and as the latest payload, then
// publishes it.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.Payload == "" {
		return fmt.Errorf("save payload: %w", ErrNoPayload)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, latestKey, b, s.ttl)
	if rec.SessionID != "" {
		pipe.Set(ctx, keyPrefix+rec.SessionID, b, s.ttl)
	}
	pipe.Publish(ctx, channel, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save payload: %w", err)
	}
	logger.Debugf("stored %s payload (%d chars)", rec.Mode, len(rec.Payload))
	return nil
}

// Latest returns the most recently saved record.
func (s *Store) Latest(ctx context.Context) (Record, error) {
	return s.get(ctx, latestKey)
}

// Get returns the record saved by one session.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	return s.get(ctx, keyPrefix+sessionID)
}

func (s *Store) get(ctx context.Context, key string) (Record, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNoPayload
	}
	if err != nil {
		return Record{}, fmt.Errorf("load payload: %w", err)
	}
	var rec Record
	if err := sonic.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode payload: %w", err)
	}
	return rec, nil
}

// Subscribe delivers records as they are saved until ctx is done. The
// returned channel is closed when the subscription ends.
func (s *Store) Subscribe(ctx context.Context) (<-chan Record, error) {
	sub := s.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var rec Record
				if err := sonic.UnmarshalString(m.Payload, &rec); err != nil {
					logger.Debugf("ignoring malformed payload announcement: %v", err)
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
