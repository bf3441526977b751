// Package queue implements the deferred task service on Redis: tasks are HTTP
// calls that become due at a not-before time and are delivered at least once
// by a Dispatcher.
package queue

import (
	"context"
	"time"
)

// Task is a deferred HTTP call.
type Task struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Audience  string            `json:"audience,omitempty"`
	NotBefore time.Time         `json:"not_before"`
	CreatedAt time.Time         `json:"created_at"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
}

// TokenSource issues bearer tokens bound to a target audience.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

// StaticToken is a TokenSource that returns the same token for every audience.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(ctx context.Context, audience string) (string, error) {
	return string(s), nil
}
