// Package notifications publishes forum change events over Redis pub/sub.
// Subscribers see the latest state of the leaf that changed; there is no
// delivery guarantee beyond that.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"forum/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Event type constants prevent typos in event names.
const (
	EventPostCreated    = "post_created"
	EventPostUpdated    = "post_updated"
	EventPostDeleted    = "post_deleted"
	EventCommentCreated = "comment_created"
	EventVoteChanged    = "vote_changed"
)

const broadcastChannel = "forum:events:broadcast"

// Event is the message published for one change.
type Event struct {
	Type    string         `json:"type"`
	PostID  string         `json:"postId,omitempty"`
	Handle  string         `json:"handle,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier provides helpers to publish events into Redis channels
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
// A nil client turns every publish into a no-op.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PostChannel derives the Redis channel name for a post.
func PostChannel(postID string) string {
	return "forum:events:post:" + postID
}

// PublishPost sends ev to the post's channel and to the broadcast channel.
func (n *Notifier) PublishPost(ctx context.Context, ev Event) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	pipe := n.rdb.Pipeline()
	if ev.PostID != "" {
		pipe.Publish(ctx, PostChannel(ev.PostID), raw)
	}
	pipe.Publish(ctx, broadcastChannel, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Publish sends ev and logs instead of failing. Events never block a write
// that already committed.
func (n *Notifier) Publish(ctx context.Context, ev Event) {
	if err := n.PublishPost(ctx, ev); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "failed to publish event",
			slog.String("type", ev.Type),
			slog.String("post_id", ev.PostID),
			slog.String("error", err.Error()),
		)
	}
}

// StartSubscriber subscribes to every post channel and the broadcast channel
// and calls onEvent for each message until ctx is cancelled. It returns once
// the subscription is active.
func (n *Notifier) StartSubscriber(ctx context.Context, onEvent func(channel string, ev Event)) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, PostChannel("*"), broadcastChannel)
	for i := 0; i < 2; i++ {
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return fmt.Errorf("subscribe to events: %w", err)
		}
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					observability.GlobalLogger.Warn("dropping malformed event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("panic in event subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onEvent(msg.Channel, ev)
				}()
			}
		}
	}()

	return nil
}
