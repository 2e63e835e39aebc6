package handler

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/relay/internal/ierr"
	"github.com/goevery/relay/internal/monitor"
	"github.com/goevery/relay/internal/persistence"
)

type StartVerificationRequest struct {
	VerificationId string `json:"verification_id" validate:"required,max=128,resource_id"`
	ServiceName    string `json:"service_name" validate:"max=64"`
}

type VerificationStatus struct {
	VerificationId string     `json:"verification_id"`
	ServiceName    string     `json:"service_name,omitempty"`
	State          string     `json:"state"`
	Code           string     `json:"code,omitempty"`
	MessagesSeen   int        `json:"messages_seen"`
	StartedAt      time.Time  `json:"started_at"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type Scheduler interface {
	Start(verificationId string, serviceName string) bool
	Stop(verificationId string) bool
	Status(verificationId string) (monitor.Status, bool)
}

type VerificationHandlerInterface interface {
	Start(ctx context.Context, req StartVerificationRequest) (VerificationStatus, bool, error)
	Get(ctx context.Context, verificationId string) (VerificationStatus, error)
	Stop(ctx context.Context, verificationId string) error
}

type VerificationHandler struct {
	validator *Validator
	scheduler Scheduler
	store     persistence.Engine
}

func NewVerificationHandler(
	validator *Validator,
	scheduler Scheduler,
	store persistence.Engine,
) *VerificationHandler {
	return &VerificationHandler{
		validator,
		scheduler,
		store,
	}
}

// Start begins monitoring and reports whether a new monitor was created.
// Starting an id that is already monitored returns the running status.
func (h *VerificationHandler) Start(ctx context.Context, req StartVerificationRequest) (VerificationStatus, bool, error) {
	err := h.validator.Validate(req)
	if err != nil {
		return VerificationStatus{}, false, err
	}

	created := h.scheduler.Start(req.VerificationId, req.ServiceName)

	status, ok := h.scheduler.Status(req.VerificationId)
	if !ok {
		if !created {
			return VerificationStatus{}, false, ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("monitoring is not accepting new verifications"))
		}

		// already finished between Start and Status
		stored, err := h.Get(ctx, req.VerificationId)
		return stored, created, err
	}

	return fromMonitorStatus(status), created, nil
}

func (h *VerificationHandler) Get(ctx context.Context, verificationId string) (VerificationStatus, error) {
	if status, ok := h.scheduler.Status(verificationId); ok {
		return fromMonitorStatus(status), nil
	}

	outcome, err := h.store.Find(ctx, verificationId)
	if errors.Is(err, persistence.ErrNotFound) {
		return VerificationStatus{}, ierr.New(ierr.ErrorCodeNotFound, errors.New("verification not found"))
	}
	if err != nil {
		return VerificationStatus{}, err
	}

	return VerificationStatus{
		VerificationId: outcome.VerificationId,
		ServiceName:    outcome.ServiceName,
		State:          outcome.State,
		Code:           outcome.Code,
		MessagesSeen:   outcome.MessagesSeen,
		StartedAt:      outcome.StartedAt,
		FinishedAt:     &outcome.FinishedAt,
	}, nil
}

func (h *VerificationHandler) Stop(ctx context.Context, verificationId string) error {
	if !h.scheduler.Stop(verificationId) {
		return ierr.New(ierr.ErrorCodeNotFound, errors.New("verification is not being monitored"))
	}

	return nil
}

func fromMonitorStatus(status monitor.Status) VerificationStatus {
	return VerificationStatus{
		VerificationId: status.VerificationId,
		ServiceName:    status.ServiceName,
		State:          string(status.State),
		Code:           status.Code,
		MessagesSeen:   status.MessagesSeen,
		StartedAt:      status.StartedAt,
		Deadline:       &status.Deadline,
	}
}
