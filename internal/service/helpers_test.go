package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"forum/internal/cache"
	"forum/internal/featureflags"
	"forum/internal/saga"
	"forum/internal/treestore"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errInjected = errors.New("injected store failure")

// faultyStore fails plain writes whose path starts with a configured prefix.
// Transactions always pass through.
type faultyStore struct {
	treestore.Store

	mu       sync.Mutex
	prefixes []string
}

func (f *faultyStore) failWrites(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = nil
}

func (f *faultyStore) check(p treestore.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(p.String(), prefix) {
			return errInjected
		}
	}
	return nil
}

func (f *faultyStore) Set(ctx context.Context, p treestore.Path, v any) error {
	if err := f.check(p); err != nil {
		return err
	}
	return f.Store.Set(ctx, p, v)
}

func (f *faultyStore) Update(ctx context.Context, p treestore.Path, fields map[string]any) error {
	if err := f.check(p); err != nil {
		return err
	}
	return f.Store.Update(ctx, p, fields)
}

func (f *faultyStore) Delete(ctx context.Context, p treestore.Path) error {
	if err := f.check(p); err != nil {
		return err
	}
	return f.Store.Delete(ctx, p)
}

func (f *faultyStore) Push(ctx context.Context, p treestore.Path, v any) (string, error) {
	if err := f.check(p); err != nil {
		return "", err
	}
	return f.Store.Push(ctx, p, v)
}

type testEnv struct {
	svc     *Services
	store   *faultyStore
	journal saga.Journal
	mr      *miniredis.Miniredis
}

func setupEnv(t *testing.T, flags string) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&saga.Record{}))
	journal := saga.NewGormJournal(db)

	store := &faultyStore{Store: treestore.NewRedisStore(rdb, treestore.WithPrefix("forum:"))}
	svc := New(Deps{
		Store:           store,
		Journal:         journal,
		Cache:           cache.New(rdb, "cache:"),
		Flags:           featureflags.NewManager(flags),
		SagaMaxAttempts: 3,
		FeedCacheTTL:    time.Minute,
	})
	return &testEnv{svc: svc, store: store, journal: journal, mr: mr}
}

func (e *testEnv) register(t *testing.T, handle string) string {
	t.Helper()
	uid := "uid-" + handle
	_, err := e.svc.User.Register(context.Background(), RegisterInput{
		Handle:    handle,
		UID:       uid,
		Email:     handle + "@example.com",
		FirstName: "First",
		LastName:  "Last",
	})
	require.NoError(t, err)
	return uid
}

func (e *testEnv) promote(t *testing.T, handle string) {
	t.Helper()
	require.NoError(t, e.svc.Users.Update(context.Background(), handle, map[string]any{"role": "admin"}))
}

func (e *testEnv) block(t *testing.T, handle string) {
	t.Helper()
	require.NoError(t, e.svc.Users.Update(context.Background(), handle, map[string]any{"status": "blocked"}))
}

func (e *testEnv) post(t *testing.T, author string) string {
	t.Helper()
	post, err := e.svc.Post.CreatePost(context.Background(), CreatePostInput{
		Author:  author,
		Title:   "A title long enough",
		Content: "Content that is comfortably longer than thirty-two characters.",
	})
	require.NoError(t, err)
	return post.ID
}

func (e *testEnv) pending(t *testing.T) []saga.Record {
	t.Helper()
	records, err := e.journal.Pending(context.Background(), 0)
	require.NoError(t, err)
	return records
}
