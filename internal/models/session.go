package models

import "time"

// Session groups the messages of one client connection.
type Session struct {
	ID         string    `json:"id"`
	LastQuery  string    `json:"last_query,omitempty"`
	LastAnswer string    `json:"last_answer,omitempty"`
	Pending    *Image    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
