package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/fieldsync/internal/runtime/fault"
	"github.com/l0p7/fieldsync/internal/runtime/records"
)

const defaultRedisNamespace = "fieldsync:entry:v1:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisStore keeps one JSON document per resource key. A single SET replaces
// the whole entry so readers never see a partial write.
type redisStore struct {
	client    valkey.Client
	namespace string
	locks     [32]sync.Mutex
}

func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &redisStore{client: client, namespace: namespace}, nil
}

func (s *redisStore) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.locks[h.Sum32()%uint32(len(s.locks))]
	mu.Lock()
	return mu.Unlock
}

func (s *redisStore) load(ctx context.Context, key string) (records.Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.namespace+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return records.Entry{}, false, nil
		}
		return records.Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return records.Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry records.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return records.Entry{}, false, fault.Wrap(fault.Corrupt, key, "stored entry undecodable", err)
	}
	if err := records.ValidateEntry(entry); err != nil {
		return records.Entry{}, false, fault.Wrap(fault.Corrupt, key, "stored entry invalid", err)
	}
	return entry, true, nil
}

func (s *redisStore) save(ctx context.Context, entry records.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fault.Wrap(fault.Storage, entry.Key, "encode entry", err)
	}
	cmd := s.client.B().Set().Key(s.namespace + entry.Key).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fault.Wrap(fault.Storage, entry.Key, "redis set", err)
	}
	return nil
}

// loadForWrite treats a corrupt entry as absent so a refetch can overwrite it.
func (s *redisStore) loadForWrite(ctx context.Context, key string) (records.Entry, bool, error) {
	prev, found, err := s.load(ctx, key)
	if err != nil {
		if fault.KindOf(err) == fault.Corrupt {
			return records.Entry{}, false, nil
		}
		return records.Entry{}, false, fault.Wrap(fault.Storage, key, "redis read before write", err)
	}
	return prev, found, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (records.Entry, bool, error) {
	return s.load(ctx, key)
}

func (s *redisStore) Put(ctx context.Context, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta, error) {
	defer s.lock(key)()
	prev, found, err := s.loadForWrite(ctx, key)
	if err != nil {
		return records.Entry{}, records.Delta{}, err
	}
	next, delta := applyPut(prev, found, key, recs, version, fetchedAt, maxAge)
	if err := s.save(ctx, next); err != nil {
		return records.Entry{}, records.Delta{}, err
	}
	return next, delta, nil
}

func (s *redisStore) MarkPending(ctx context.Context, key string, at time.Time) error {
	defer s.lock(key)()
	prev, found, err := s.loadForWrite(ctx, key)
	if err != nil {
		return err
	}
	return s.save(ctx, applyPending(prev, found, key, at))
}

func (s *redisStore) MarkFailed(ctx context.Context, key string, at time.Time) error {
	defer s.lock(key)()
	prev, found, err := s.loadForWrite(ctx, key)
	if err != nil {
		return err
	}
	return s.save(ctx, applyFailed(prev, found, key, at))
}

func (s *redisStore) Evict(ctx context.Context, key string) error {
	defer s.lock(key)()
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.namespace+key).Build()).Error(); err != nil {
		return fault.Wrap(fault.Storage, key, "redis del", err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	keys := []string{}
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.namespace + "*").Count(100).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: redis scan: %w", err)
		}
		for _, name := range entry.Elements {
			key := strings.TrimPrefix(name, s.namespace)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Size(ctx context.Context) (int64, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
