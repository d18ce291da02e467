package attestation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultChallengeTTL = 5 * time.Minute

// ErrInvalidChallenge is returned when a nonce was never issued, has
// expired or was already used.
var ErrInvalidChallenge = errors.New("invalid attestation challenge")

// Challenge is a single-use nonce the client must bind into its integrity
// token before calling attest.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChallengeStore issues and redeems challenges. Consume must succeed at
// most once per nonce.
type ChallengeStore interface {
	Issue(ctx context.Context) (Challenge, error)
	Consume(ctx context.Context, nonce string) error
	Close() error
}

// NewChallengeStore builds the store selected by
// cfg.Attestation.Challenge.Backend
func NewChallengeStore(cfg *config.Config, logger *logrus.Logger) (ChallengeStore, error) {
	ttl := cfg.Attestation.Challenge.TTL
	switch cfg.Attestation.Challenge.Backend {
	case "", "memory":
		return NewMemoryChallengeStore(ttl), nil
	case "redis":
		return NewRedisChallengeStore(cfg.Redis, ttl, logger)
	default:
		return nil, fmt.Errorf("unknown challenge backend: %q", cfg.Attestation.Challenge.Backend)
	}
}

// MemoryChallengeStore keeps outstanding challenges in process
type MemoryChallengeStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]time.Time
}

func NewMemoryChallengeStore(ttl time.Duration) *MemoryChallengeStore {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return &MemoryChallengeStore{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

func (s *MemoryChallengeStore) Issue(_ context.Context) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for nonce, expires := range s.pending {
		if !now.Before(expires) {
			delete(s.pending, nonce)
		}
	}

	c := Challenge{Nonce: uuid.NewString(), ExpiresAt: now.Add(s.ttl)}
	s.pending[c.Nonce] = c.ExpiresAt
	return c, nil
}

func (s *MemoryChallengeStore) Consume(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.pending[nonce]
	if !ok {
		return ErrInvalidChallenge
	}
	delete(s.pending, nonce)
	if !s.now().Before(expires) {
		return fmt.Errorf("%w: expired", ErrInvalidChallenge)
	}
	return nil
}

func (s *MemoryChallengeStore) Close() error {
	return nil
}

// RedisChallengeStore keeps each challenge as <prefix>:challenge:<nonce>
// with the challenge TTL, so expiry is left to Redis.
type RedisChallengeStore struct {
	client redis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
}

func NewRedisChallengeStore(cfg config.RedisConfig, ttl time.Duration, logger *logrus.Logger) (*RedisChallengeStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		ReadTimeout: cfg.ReadTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisChallengeStoreWithClient(client, cfg.KeyPrefix, ttl)
	s.closer = client.Close

	logger.WithField("addr", cfg.Address).Info("Challenge store using Redis")
	return s, nil
}

func NewRedisChallengeStoreWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *RedisChallengeStore {
	if prefix == "" {
		prefix = "aegis"
	}
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return &RedisChallengeStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisChallengeStore) Issue(ctx context.Context) (Challenge, error) {
	c := Challenge{Nonce: uuid.NewString(), ExpiresAt: time.Now().Add(s.ttl)}
	if err := s.client.Set(ctx, s.key(c.Nonce), 1, s.ttl).Err(); err != nil {
		return Challenge{}, fmt.Errorf("failed to store challenge: %w", err)
	}
	return c, nil
}

// Consume relies on DEL reporting the number of keys removed: only one
// caller can observe 1.
func (s *RedisChallengeStore) Consume(ctx context.Context, nonce string) error {
	n, err := s.client.Del(ctx, s.key(nonce)).Result()
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if n != 1 {
		return ErrInvalidChallenge
	}
	return nil
}

func (s *RedisChallengeStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *RedisChallengeStore) key(nonce string) string {
	return fmt.Sprintf("%s:challenge:%s", s.prefix, nonce)
}
