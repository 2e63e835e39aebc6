package persistence

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("outcome not found")

// Engine stores the terminal outcome of verification monitors.
type Engine interface {
	Setup(ctx context.Context) error
	Save(ctx context.Context, outcome Outcome) error
	Find(ctx context.Context, verificationId string) (Outcome, error)
}

type Outcome struct {
	VerificationId string    `json:"verification_id"`
	ServiceName    string    `json:"service_name,omitempty"`
	State          string    `json:"state"`
	Code           string    `json:"code,omitempty"`
	MessagesSeen   int       `json:"messages_seen"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
