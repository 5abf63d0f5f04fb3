// Package session keeps the transient conversation log of each session.
// Nothing here outlives the idle TTL or an explicit Delete.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"terraigo/internal/models"
)

var ErrNotFound = errors.New("session not found")

// Store is the conversation log. Appended messages are never modified.
type Store interface {
	Create(ctx context.Context) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	// Append stores msg at the end of the session log and returns the stored
	// copy with its ID and timestamp filled in.
	Append(ctx context.Context, id string, msg *models.Message) (*models.Message, error)
	Messages(ctx context.Context, id string) ([]*models.Message, error)
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	// SetPending parks an image until the next turn picks it up.
	SetPending(ctx context.Context, id string, img *models.Image) error
	TakePending(ctx context.Context, id string) (*models.Image, error)
	// Watch calls fn with the id of every session that ends, by Delete or
	// idle expiry, until ctx is done.
	Watch(ctx context.Context, fn func(id string))
}

// LastUserQuery returns the most recent user message content, skipping the
// newest skip user messages.
func LastUserQuery(msgs []*models.Message, skip int) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil || msgs[i].Role != models.RoleUser {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		return msgs[i].Content, true
	}
	return "", false
}

func newSession(now time.Time) *models.Session {
	return &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func track(sess *models.Session, msg *models.Message) {
	switch msg.Role {
	case models.RoleUser:
		sess.LastQuery = msg.Content
	case models.RoleAssistant:
		sess.LastAnswer = msg.Content
	}
	sess.UpdatedAt = msg.CreatedAt
}

func cloneMessage(msg *models.Message) *models.Message {
	c := *msg
	if msg.Image != nil {
		img := *msg.Image
		img.Data = append([]byte(nil), msg.Image.Data...)
		c.Image = &img
	}
	if msg.Audio != nil {
		a := *msg.Audio
		a.Data = append([]byte(nil), msg.Audio.Data...)
		c.Audio = &a
	}
	return &c
}
