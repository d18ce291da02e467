package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStore keeps descriptors in Redis under <prefix>:objects:<id> with a
// set of ids at <prefix>:objects:index.
type RedisStore struct {
	client redis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisStore connects to Redis and verifies the connection. ttl of zero
// keeps descriptors forever.
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration, logger *logrus.Logger) (*RedisStore, error) {
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
		return nil, NewStorageError(err, "connect", "", "failed to connect to redis")
	}

	s := NewRedisStoreWithClient(client, cfg.KeyPrefix, ttl, logger)
	s.closer = client.Close

	logger.WithFields(logrus.Fields{
		"addr":       cfg.Address,
		"db":         cfg.DB,
		"key_prefix": s.prefix,
	}).Info("Sealed object Redis store initialized")

	return s, nil
}

// NewRedisStoreWithClient creates a store on an existing client. The caller
// owns the client.
func NewRedisStoreWithClient(client redis.Cmdable, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisStore {
	if prefix == "" {
		prefix = "aegis"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Put stores the descriptor with SETNX so an existing id is never overwritten
func (s *RedisStore) Put(ctx context.Context, file *types.SecureFile) error {
	if err := validate(file); err != nil {
		return err
	}

	key := s.objectKey(file.ID)
	data, err := json.Marshal(file)
	if err != nil {
		return NewStorageError(err, "put", key, "failed to serialize descriptor")
	}

	ok, err := s.client.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return NewStorageError(err, "put", key, "failed to store descriptor")
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, file.ID)
	}

	if err := s.client.SAdd(ctx, s.indexKey(), file.ID).Err(); err != nil {
		s.logger.WithError(err).WithField("object_id", file.ID).Warn("Failed to add descriptor to index")
	}

	s.logger.WithFields(logrus.Fields{
		"object_id": file.ID,
		"key":       key,
		"ttl":       s.ttl,
	}).Debug("Descriptor stored")

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.SecureFile, error) {
	key := s.objectKey(id)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
		}
		return nil, NewStorageError(err, "get", key, "failed to retrieve descriptor")
	}
	return decode(key, data)
}

// List returns every indexed descriptor ordered by id. Index entries whose
// descriptor expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]*types.SecureFile, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, NewStorageError(err, "list", s.indexKey(), "failed to read index")
	}
	if len(ids) == 0 {
		return []*types.SecureFile{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.objectKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, NewStorageError(err, "list", s.indexKey(), "failed to retrieve descriptors")
	}

	files := make([]*types.SecureFile, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		file, err := decode(keys[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.WithError(err).Warn("Failed to prune expired descriptors from index")
		}
	}

	return files, nil
}

func (s *RedisStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *RedisStore) objectKey(id string) string {
	return fmt.Sprintf("%s:objects:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:objects:index", s.prefix)
}
