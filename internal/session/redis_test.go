package session

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"terraigo/internal/config"
	"terraigo/internal/models"
	"terraigo/internal/redis"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	store, cleanup := newRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Append(ctx, sess.ID, &models.Message{Role: models.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, sess.ID, &models.Message{Role: models.RoleAssistant, Content: "namaste"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := store.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].ID != 2 || msgs[1].Content != "namaste" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	ttl, err := store.client.TTL(ctx, messagesKey(sess.ID))
	if err != nil || ttl <= 0 {
		t.Fatalf("expected message list ttl, got %v (%v)", ttl, err)
	}

	img := &models.Image{FileName: "a.png", MimeType: "image/png", Data: []byte{1}}
	if err := store.SetPending(ctx, sess.ID, img); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	got, err := store.TakePending(ctx, sess.ID)
	if err != nil || got == nil || got.FileName != "a.png" {
		t.Fatalf("take pending: %+v %v", got, err)
	}
}

func TestRedisStoreDeletePublishes(t *testing.T) {
	store, cleanup := newRedisStore(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan string, 1)
	store.Watch(ctx, func(id string) { ch <- id })
	// give the subscription a moment to register
	time.Sleep(100 * time.Millisecond)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	select {
	case got := <-ch:
		if got != sess.ID {
			t.Fatalf("unexpected ended id %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive session ended message")
	}
}

func newRedisStore(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed session tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := redis.NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port, DB: db},
	})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	return NewRedisStore(client, time.Minute), func() { client.Close() }
}
