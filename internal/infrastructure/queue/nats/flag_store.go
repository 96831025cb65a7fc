package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	defaultFlagBucketPrefix = "task_flags"
	defaultFlagTTL          = 600 * time.Second
)

// FlagStore keeps expiring flags in JetStream key-value buckets. KV expiry is
// per bucket, so every distinct TTL gets its own bucket.
type FlagStore struct {
	js         jetstream.JetStream
	prefix     string
	defaultTTL time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	buckets map[time.Duration]jetstream.KeyValue
}

type FlagStoreOptions struct {
	BucketPrefix string
	// DefaultTTL names the bucket a read-only process binds to before it has
	// written anything itself.
	DefaultTTL time.Duration
}

func NewFlagStore(conn *nats.Conn, options FlagStoreOptions, logger *zap.Logger) (*FlagStore, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := options.BucketPrefix
	if prefix == "" {
		prefix = defaultFlagBucketPrefix
	}
	defaultTTL := options.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = defaultFlagTTL
	}
	return &FlagStore{
		js:         js,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		logger:     logger,
		buckets:    make(map[time.Duration]jetstream.KeyValue),
	}, nil
}

func (s *FlagStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	kv, err := s.bucket(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, kvKey(key), []byte(value)); err != nil {
		return wrapTemporaryIfNeeded(fmt.Errorf("kv put %s: %w", key, err))
	}
	return nil
}

// Get looks the key up in the default-TTL bucket and every bucket this store
// has opened.
func (s *FlagStore) Get(ctx context.Context, key string) (string, bool, error) {
	for _, kv := range s.candidateBuckets(ctx) {
		entry, err := kv.Get(ctx, kvKey(key))
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
				continue
			}
			return "", false, wrapTemporaryIfNeeded(fmt.Errorf("kv get %s: %w", key, err))
		}
		return string(entry.Value()), true, nil
	}
	return "", false, nil
}

func (s *FlagStore) bucket(ctx context.Context, ttl time.Duration) (jetstream.KeyValue, error) {
	if ttl < 0 {
		ttl = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[ttl]; ok {
		return kv, nil
	}
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName(s.prefix, ttl),
		Description: "task stop flags",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, wrapTemporaryIfNeeded(fmt.Errorf("kv bucket ttl=%s: %w", ttl, err))
	}
	s.logger.Debug("flag_bucket_ready", zap.String("bucket", kv.Bucket()), zap.Duration("ttl", ttl))
	s.buckets[ttl] = kv
	return kv, nil
}

func (s *FlagStore) candidateBuckets(ctx context.Context) []jetstream.KeyValue {
	s.mu.Lock()
	_, haveDefault := s.buckets[s.defaultTTL]
	s.mu.Unlock()
	if !haveDefault {
		if kv, err := s.js.KeyValue(ctx, bucketName(s.prefix, s.defaultTTL)); err == nil {
			s.mu.Lock()
			s.buckets[s.defaultTTL] = kv
			s.mu.Unlock()
		} else if !errors.Is(err, jetstream.ErrBucketNotFound) {
			s.logger.Warn("flag_bucket_lookup_failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jetstream.KeyValue, 0, len(s.buckets))
	for _, kv := range s.buckets {
		out = append(out, kv)
	}
	return out
}

func bucketName(prefix string, ttl time.Duration) string {
	if ttl <= 0 {
		return prefix + "_persistent"
	}
	return fmt.Sprintf("%s_%ds", prefix, int64(ttl/time.Second))
}

// kvKey encodes a flag key as unpadded base64url, which stays inside the KV
// key alphabet and keeps distinct flag keys distinct.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}
