package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(id string) *types.SecureFile {
	return &types.SecureFile{
		ID: id,
		SecurityBinding: types.SecurityBinding{
			FeatureVectorHash: "fvh-" + id,
			AttestationTier:   types.TierNativeOS,
		},
		Metadata: types.FileMetadata{
			OriginalFilename: id + ".pdf",
			LockPolicy: types.LockPolicy{
				BiometricsRequired: []types.SignalType{types.SignalFace},
				Fusion:             types.FusionAnd,
				MinConfidence:      0.9,
				MaxAttempts:        3,
				LockoutPolicy:      types.LockoutTemporary,
			},
		},
	}
}

// runStoreSuite exercises the Store contract against any backend
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, descriptor("f-0001")))

		got, err := s.Get(ctx, "f-0001")
		require.NoError(t, err)
		assert.Equal(t, descriptor("f-0001"), got)
	})

	t.Run("write once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, descriptor("f-0002")))

		changed := descriptor("f-0002")
		changed.SecurityBinding.FeatureVectorHash = "attacker"
		assert.ErrorIs(t, s.Put(ctx, changed), ErrObjectExists)

		got, err := s.Get(ctx, "f-0002")
		require.NoError(t, err)
		assert.Equal(t, "fvh-f-0002", got.SecurityBinding.FeatureVectorHash)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "f-missing")
		assert.ErrorIs(t, err, ErrObjectNotFound)
	})

	t.Run("invalid", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Put(ctx, nil), ErrInvalidObject)
		assert.ErrorIs(t, s.Put(ctx, &types.SecureFile{}), ErrInvalidObject)
	})

	t.Run("list ordered", func(t *testing.T) {
		s := newStore(t)
		files, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, files)

		for _, id := range []string{"f-0c", "f-0a", "f-0b"} {
			require.NoError(t, s.Put(ctx, descriptor(id)))
		}

		files, err = s.List(ctx)
		require.NoError(t, err)
		require.Len(t, files, 3)
		assert.Equal(t, "f-0a", files[0].ID)
		assert.Equal(t, "f-0b", files[1].ID)
		assert.Equal(t, "f-0c", files[2].ID)
	})

	t.Run("returned descriptors are copies", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, descriptor("f-0003")))

		got, err := s.Get(ctx, "f-0003")
		require.NoError(t, err)
		got.Metadata.LockPolicy.BiometricsRequired[0] = types.SignalVoice

		again, err := s.Get(ctx, "f-0003")
		require.NoError(t, err)
		assert.Equal(t, types.SignalFace, again.Metadata.LockPolicy.BiometricsRequired[0])
	})

	t.Run("concurrent puts of one id", func(t *testing.T) {
		s := newStore(t)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.Put(ctx, descriptor("f-race")) == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, success)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := fmt.Sprintf("aegis-test-%s", uuid.NewString())
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+":*").Result()
			if len(keys) > 0 {
				client.Del(context.Background(), keys...)
			}
		})
		return NewRedisStoreWithClient(client, prefix, 0, logger.Discard())
	})
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	_, err := NewRedisStore(config.RedisConfig{Address: "127.0.0.1:1"}, 0, logger.Discard())

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "connect", storageErr.Operation)
}

func TestNew(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: "memory"}}
	s, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.Storage.Backend = "tape"
	_, err = New(cfg, logger.Discard())
	assert.Error(t, err)
}
