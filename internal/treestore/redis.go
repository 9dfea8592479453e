package treestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"forum/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document as one JSON string key and tracks
// collection membership in a set. Every write is a WATCH/MULTI/EXEC cycle
// on the document key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix namespaces every key the store touches.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient connects to addr, which may be a redis:// URL or host:port.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL %q: %w", addr, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	observability.GlobalLogger.Info("Redis connected successfully", slog.String("addr", opts.Addr))
	return client, nil
}

// Client exposes the underlying connection for collaborators sharing it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) docKey(p Path) string {
	return s.prefix + p.Collection() + "/" + p.Document()
}

func (s *RedisStore) indexKey(collection string) string {
	return s.prefix + "idx:" + collection
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) readDocument(ctx context.Context, cmd getter, key string) (any, error) {
	raw, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *RedisStore) readCollection(ctx context.Context, collection string) (map[string]any, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(Path{collection, id})
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	docs := make(map[string]any, len(ids))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry without a document; the next write to it repairs the index.
			continue
		}
		doc, err := decode([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keys[i], err)
		}
		if doc != nil {
			docs[ids[i]] = doc
		}
	}
	return docs, nil
}

// Get decodes the node at p into dest and reports whether it exists. A
// collection path yields an object of all its documents keyed by id.
func (s *RedisStore) Get(ctx context.Context, p Path, dest any) (bool, error) {
	if len(p) == 0 {
		return false, ErrInvalidPath
	}
	defer observability.TrackStore("get", p.Collection())()

	var node any
	if p.IsCollection() {
		docs, err := s.readCollection(ctx, p.Collection())
		if err != nil {
			return false, fmt.Errorf("get %s: %w", p, err)
		}
		if len(docs) > 0 {
			node = docs
		}
	} else {
		root, err := s.readDocument(ctx, s.client, s.docKey(p))
		if err != nil {
			return false, fmt.Errorf("get %s: %w", p, err)
		}
		node = getNode(root, p.Inner())
	}

	if node == nil {
		return false, nil
	}
	if dest == nil {
		return true, nil
	}
	raw, err := encode(node)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", p, err)
	}
	return true, nil
}

// mutate runs fn against the current document root under WATCH and commits
// its result, retrying while another client changes the document in between.
func (s *RedisStore) mutate(ctx context.Context, p Path, fn func(root any) (any, error)) (any, error) {
	key := s.docKey(p)
	index := s.indexKey(p.Collection())

	for {
		var committed any
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			root, err := s.readDocument(ctx, tx, key)
			if err != nil {
				return err
			}
			next, err := fn(root)
			if err != nil {
				return err
			}
			next = normalize(next)
			raw, err := encode(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, index, p.Document())
					return nil
				}
				pipe.Set(ctx, key, []byte(raw), 0)
				pipe.SAdd(ctx, index, p.Document())
				return nil
			})
			if err != nil {
				return err
			}
			committed = next
			return nil
		}, key)

		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		observability.StoreCASRetries.WithLabelValues(p.Collection()).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
}

// Set overwrites the node at p. Setting a document root creates the
// document; setting below it requires the document to exist.
func (s *RedisStore) Set(ctx context.Context, p Path, value any) error {
	if len(p) < 2 {
		return ErrInvalidPath
	}
	defer observability.TrackStore("set", p.Collection())()

	v, err := toGeneric(value)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, p, func(root any) (any, error) {
		if p.IsDocument() {
			return v, nil
		}
		if root == nil {
			if v == nil {
				return nil, nil
			}
			return nil, ErrNotFound
		}
		return setNode(root, p.Inner(), v), nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	return nil
}

// Update merges fields into the node at p. The document must exist.
func (s *RedisStore) Update(ctx context.Context, p Path, fields map[string]any) error {
	if len(p) < 2 {
		return ErrInvalidPath
	}
	defer observability.TrackStore("update", p.Collection())()

	keys := make([]string, 0, len(fields))
	values := make(map[string]any, len(fields))
	for k, raw := range fields {
		if len(P(k)) == 0 {
			return fmt.Errorf("update %s: empty field key: %w", p, ErrInvalidPath)
		}
		v, err := toGeneric(raw)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		values[k] = v
	}
	sort.Strings(keys)

	_, err := s.mutate(ctx, p, func(root any) (any, error) {
		if root == nil {
			return nil, ErrNotFound
		}
		for _, k := range keys {
			segments := append(append([]string{}, p.Inner()...), P(k)...)
			root = setNode(root, segments, values[k])
		}
		return root, nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", p, err)
	}
	return nil
}

// Delete removes the node at p.
func (s *RedisStore) Delete(ctx context.Context, p Path) error {
	return s.Set(ctx, p, nil)
}

// Push stores value under a new UUIDv7 child of p and returns the id.
// Pushing into a collection creates a document.
func (s *RedisStore) Push(ctx context.Context, p Path, value any) (string, error) {
	if len(p) == 0 {
		return "", ErrInvalidPath
	}
	if value == nil {
		return "", fmt.Errorf("push %s: nil value: %w", p, ErrInvalidPath)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("push %s: %w", p, err)
	}
	if err := s.Set(ctx, p.Child(id.String()), value); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Transaction atomically replaces the node at p with fn's result.
func (s *RedisStore) Transaction(ctx context.Context, p Path, fn TxFunc) (json.RawMessage, error) {
	if len(p) < 2 {
		return nil, ErrInvalidPath
	}
	defer observability.TrackStore("transaction", p.Collection())()

	committed, err := s.mutate(ctx, p, func(root any) (any, error) {
		current := root
		if !p.IsDocument() {
			if root == nil {
				return nil, ErrNotFound
			}
			current = getNode(root, p.Inner())
		}
		currentRaw, err := encode(current)
		if err != nil {
			return nil, err
		}
		next, err := fn(currentRaw)
		if err != nil {
			return nil, err
		}
		v, err := toGeneric(next)
		if err != nil {
			return nil, err
		}
		if p.IsDocument() {
			return v, nil
		}
		return setNode(root, p.Inner(), v), nil
	})
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", p, err)
	}
	return encode(getNode(committed, p.Inner()))
}

// Ping checks connectivity with Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
