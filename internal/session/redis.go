package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"terraigo/internal/models"
	"terraigo/internal/observability"
	"terraigo/internal/redis"
)

const endedChannel = "session:ended"

type endedMessage struct {
	SessionID string `json:"session_id"`
}

// RedisStore keeps each session as a JSON meta key plus a list of JSON
// messages, all expiring together after the idle TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func metaKey(id string) string     { return "session:" + id }
func messagesKey(id string) string { return "session:" + id + ":messages" }
func seqKey(id string) string      { return "session:" + id + ":seq" }
func pendingKey(id string) string  { return "session:" + id + ":pending" }

func (r *RedisStore) keys(id string) []string {
	return []string{metaKey(id), messagesKey(id), seqKey(id), pendingKey(id)}
}

func (r *RedisStore) Create(ctx context.Context) (*models.Session, error) {
	sess := newSession(r.now())
	if err := r.saveMeta(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	raw, err := r.client.Get(ctx, metaKey(id))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (r *RedisStore) Append(ctx context.Context, id string, msg *models.Message) (*models.Message, error) {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	seq, err := r.client.Incr(ctx, seqKey(id))
	if err != nil {
		return nil, fmt.Errorf("next message id: %w", err)
	}
	stored := cloneMessage(msg)
	stored.ID = seq
	stored.SessionID = id
	stored.CreatedAt = r.now()

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if _, err := r.client.RPush(ctx, messagesKey(id), data); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	track(sess, stored)
	if err := r.saveMeta(ctx, sess); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *RedisStore) Messages(ctx context.Context, id string) ([]*models.Message, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	items, err := r.client.LRange(ctx, messagesKey(id), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	out := make([]*models.Message, 0, len(items))
	for _, item := range items {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.keys(id)...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	payload, err := json.Marshal(endedMessage{SessionID: id})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, endedChannel, payload); err != nil {
		observability.FromContext(ctx).Warn("publish session ended failed", zap.Error(err))
	}
	return nil
}

func (r *RedisStore) Touch(ctx context.Context, id string) error {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.UpdatedAt = r.now()
	return r.saveMeta(ctx, sess)
}

func (r *RedisStore) SetPending(ctx context.Context, id string, img *models.Image) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if img == nil {
		return r.client.Del(ctx, pendingKey(id))
	}
	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("encode pending image: %w", err)
	}
	return r.client.Set(ctx, pendingKey(id), data, r.ttl)
}

func (r *RedisStore) TakePending(ctx context.Context, id string) (*models.Image, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, pendingKey(id))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pending image: %w", err)
	}
	if err := r.client.Del(ctx, pendingKey(id)); err != nil {
		return nil, fmt.Errorf("clear pending image: %w", err)
	}
	var img models.Image
	if err := json.Unmarshal([]byte(raw), &img); err != nil {
		return nil, fmt.Errorf("decode pending image: %w", err)
	}
	return &img, nil
}

// Watch subscribes to session-ended notifications from every instance
// sharing this Redis. Keys that simply expire are not announced.
func (r *RedisStore) Watch(ctx context.Context, fn func(id string)) {
	raw := r.client.Raw()
	if raw == nil || fn == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, endedChannel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ended endedMessage
				if err := json.Unmarshal([]byte(msg.Payload), &ended); err != nil {
					observability.Logger().Warn("session ended decode failed", zap.Error(err))
					continue
				}
				fn(ended.SessionID)
			}
		}
	}()
}

func (r *RedisStore) saveMeta(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, metaKey(sess.ID), data, r.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := r.client.Expire(ctx, r.ttl, messagesKey(sess.ID), seqKey(sess.ID)); err != nil {
		return fmt.Errorf("refresh session ttl: %w", err)
	}
	return nil
}
