package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"forum/internal/cache"
	"forum/internal/config"
	"forum/internal/featureflags"
	"forum/internal/models"
	"forum/internal/notifications"
	"forum/internal/saga"
	"forum/internal/service"
	"forum/internal/treestore"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

const (
	validTitle   = "A title long enough"
	validContent = "Content that is comfortably longer than thirty-two characters."
)

type testServer struct {
	app *fiber.App
	svc *service.Services
	rdb *redis.Client
	mr  *miniredis.Miniredis
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	return setupServerEnv(t, "test")
}

func setupServerEnv(t *testing.T, env string) *testServer {
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

	store := treestore.NewRedisStore(rdb, treestore.WithPrefix("forum:"))
	svc := service.New(service.Deps{
		Store:           store,
		Journal:         saga.NewGormJournal(db),
		Cache:           cache.New(rdb, "cache:"),
		Flags:           featureflags.NewManager(""),
		SagaMaxAttempts: 3,
		FeedCacheTTL:    time.Minute,
	})

	cfg := &config.Config{JWTSecret: testSecret, Env: env, AllowedOrigins: "*"}
	s := NewServerWithDeps(cfg, db, rdb, store, svc)
	return &testServer{app: s.App(), svc: svc, rdb: rdb, mr: mr}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uid,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do sends a request as uid ("" for anonymous) and decodes a JSON response into out.
func (ts *testServer) do(t *testing.T, method, path, uid string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, uid))
	}

	resp, err := ts.app.Test(req, 5000)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) register(t *testing.T, handle string) string {
	t.Helper()
	uid := "uid-" + handle
	status := ts.do(t, http.MethodPost, "/api/users", uid, map[string]string{
		"handle":    handle,
		"email":     handle + "@example.com",
		"firstName": "First",
		"lastName":  "Last",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	return uid
}

func (ts *testServer) createPost(t *testing.T, uid string) string {
	t.Helper()
	var post models.Post
	status := ts.do(t, http.MethodPost, "/api/posts", uid, map[string]string{
		"title":   validTitle,
		"content": validContent,
	}, &post)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, post.ID)
	return post.ID
}

func TestHealthChecks(t *testing.T) {
	t.Parallel()
	ts := setupServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/live", "", nil, nil))

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/ready", "", nil, &ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "healthy", ready.Checks["store"])
	assert.Equal(t, "healthy", ready.Checks["journal"])
}

func TestUserRoutes(t *testing.T) {
	t.Parallel()
	ts := setupServer(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/users", "", map[string]string{"handle": "ana"}, nil))

	uid := ts.register(t, "ana")

	var conflict models.ErrorResponse
	status := ts.do(t, http.MethodPost, "/api/users", "uid-other", map[string]string{
		"handle": "ana", "email": "x@example.com", "firstName": "First", "lastName": "Last",
	}, &conflict)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, models.CodeConflict, conflict.Code)

	var me models.User
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/users/me", uid, nil, &me))
	assert.Equal(t, "ana", me.Handle)

	var updated models.User
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/users/me", uid, map[string]string{"firstName": "Annabel"}, &updated))
	assert.Equal(t, "Annabel", updated.FirstName)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/users/me", "uid-nobody", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/users/ghost", "", nil, nil))

	var profile map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/users/ana", "", nil, &profile))
	assert.Equal(t, "Annabel", profile["firstName"])
	assert.Equal(t, "ana", profile["handle"])
	for _, private := range []string{"uid", "email", "bookmarks", "blockReason", "blockedBy"} {
		assert.NotContains(t, profile, private)
	}
}

func TestPostRoutes(t *testing.T) {
	t.Parallel()
	ts := setupServer(t)
	ana := ts.register(t, "ana")
	bob := ts.register(t, "bob")

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/posts", "uid-nobody", map[string]string{
		"title": validTitle, "content": validContent,
	}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/posts", ana, map[string]string{
		"title": "short", "content": validContent,
	}, nil))

	pid := ts.createPost(t, ana)

	t.Run("vote", func(t *testing.T) {
		var result service.VoteResult
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/posts/"+pid+"/vote", bob, map[string]string{"direction": "up"}, &result))
		assert.Equal(t, models.VoteUp, result.Current)
		assert.True(t, result.MirrorSynced)

		var summary models.VoteSummary
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/posts/"+pid+"/votes", bob, nil, &summary))
		assert.Equal(t, 1, summary.UpVotes)
		assert.Equal(t, models.VoteUp, summary.UserVote)

		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/posts/"+pid+"/votes", "", nil, &summary))
		assert.Equal(t, models.VoteState(0), summary.UserVote)

		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/posts/"+pid+"/vote", bob, map[string]string{"direction": "sideways"}, nil))
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/posts/nope/vote", bob, map[string]string{"direction": "up"}, nil))

		var ups []string
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/users/bob/upvotes", "", nil, &ups))
		assert.Equal(t, []string{pid}, ups)
	})

	t.Run("comments", func(t *testing.T) {
		var comment models.Comment
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/posts/"+pid+"/comments", bob, map[string]string{"content": "nice"}, &comment))
		assert.NotEmpty(t, comment.ID)

		var comments []models.Comment
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/posts/"+pid+"/comments", "", nil, &comments))
		require.Len(t, comments, 1)
		assert.Equal(t, comment.ID, comments[0].ID)
		assert.Equal(t, "bob", comments[0].Author)
	})

	t.Run("update is author only", func(t *testing.T) {
		title := "An edited title here"
		var post models.Post
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/posts/"+pid, ana, map[string]string{"title": title}, &post))
		assert.Equal(t, title, post.Title)
		assert.Equal(t, validContent, post.Content)

		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPut, "/api/posts/"+pid, bob, map[string]string{"title": title}, nil))
	})

	t.Run("bookmarks are private", func(t *testing.T) {
		var resp struct {
			Bookmarks []string `json:"bookmarks"`
		}
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/posts/"+pid+"/bookmark", bob, nil, &resp))
		assert.Equal(t, []string{pid}, resp.Bookmarks)

		var marks []string
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/users/bob/bookmarks", bob, nil, &marks))
		assert.Equal(t, []string{pid}, marks)
		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/users/bob/bookmarks", ana, nil, nil))
	})

	t.Run("feed", func(t *testing.T) {
		var posts []models.Post
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/posts?sort=most-voted&limit=10", "", nil, &posts))
		require.Len(t, posts, 1)
		assert.Equal(t, pid, posts[0].ID)

		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/posts?sort=hottest", "", nil, nil))
	})

	t.Run("author delete", func(t *testing.T) {
		other := ts.createPost(t, ana)
		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/api/posts/"+other, bob, nil, nil))
		assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/posts/"+other, ana, nil, nil))
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/posts/"+other, "", nil, nil))
	})
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := setupServer(t)
	ana := ts.register(t, "ana")
	root := ts.register(t, "root")
	require.NoError(t, ts.svc.Users.Update(ctx, "root", map[string]any{"role": "admin"}))
	pid := ts.createPost(t, ana)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/admin/users", ana, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/admin/users", "", nil, nil))

	var users []models.User
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/admin/users?q=AN", root, nil, &users))
	require.Len(t, users, 1)
	assert.Equal(t, "ana", users[0].Handle)

	var byEmail []models.User
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/admin/users?email=ANA@example.com", root, nil, &byEmail))
	require.Len(t, byEmail, 1)
	assert.Equal(t, "ana", byEmail[0].Handle)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/admin/users?email=nobody@example.com", root, nil, nil))

	t.Run("delete post keeps an audit snapshot", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/api/admin/posts/"+pid, ana, nil, nil))

		var snapshot models.DeletedPost
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/admin/posts/"+pid, root, nil, &snapshot))
		assert.Equal(t, root, snapshot.DeletedBy)
		assert.Equal(t, pid, snapshot.ID)

		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/admin/posts/"+pid, root, nil, nil))

		var deleted []models.DeletedPost
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/admin/posts/deleted", root, nil, &deleted))
		require.Len(t, deleted, 1)
		assert.Equal(t, pid, deleted[0].ID)
	})

	t.Run("block and unblock", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/admin/users/ana/block", root, map[string]string{}, nil))

		var blocked models.User
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/admin/users/ana/block", root, map[string]string{"reason": "spam"}, &blocked))
		assert.Equal(t, models.StatusBlocked, blocked.Status)

		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/posts", ana, map[string]string{
			"title": validTitle, "content": validContent,
		}, nil))

		var unblocked models.User
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/admin/users/ana/block", root, nil, &unblocked))
		assert.Equal(t, models.StatusActive, unblocked.Status)
		ts.createPost(t, ana)
	})

	t.Run("role changes", func(t *testing.T) {
		var user models.User
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/admin/users/ana/admin", root, nil, &user))
		assert.Equal(t, models.RoleAdmin, user.Role)
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/admin/users/ana/admin", root, nil, &user))
		assert.Equal(t, models.RoleUser, user.Role)
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/users/ghost/admin", root, nil, nil))
	})
}

func TestWritesPublishEvents(t *testing.T) {
	t.Parallel()
	ts := setupServer(t)
	ana := ts.register(t, "ana")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []notifications.Event
	require.NoError(t, notifications.NewNotifier(ts.rdb).StartSubscriber(ctx, func(channel string, ev notifications.Event) {
		if channel != notifications.PostChannel(ev.PostID) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}))

	postID := ts.createPost(t, ana)
	status := ts.do(t, http.MethodPost, "/api/posts/"+postID+"/vote", ana,
		map[string]string{"direction": "up"}, nil)
	require.Equal(t, http.StatusOK, status)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, notifications.EventPostCreated, got[0].Type)
	assert.Equal(t, "ana", got[0].Handle)
	assert.Equal(t, notifications.EventVoteChanged, got[1].Type)
	assert.EqualValues(t, 1, got[1].Payload["upVotes"])
}

func TestAdminRoutesFailClosedWithoutRedis(t *testing.T) {
	t.Parallel()
	ts := setupServerEnv(t, "production")
	ts.mr.Close()

	var body map[string]string
	status := ts.do(t, http.MethodGet, "/api/admin/users", "uid-root", nil, &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "rate limit unavailable", body["error"])
}
