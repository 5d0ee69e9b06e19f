// Package notify delivers pipeline run outcomes to external channels.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/agrolens/internal/models"
)

// Failure describes a failed run.
type Failure struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier receives run outcomes. Implementations must not block for long;
// their errors are logged by the caller and never fail a run.
type Notifier interface {
	NotifyResult(ctx context.Context, outcome *models.RunOutcome) error
	NotifyFailure(ctx context.Context, failure Failure) error
	NotifyRecovery(ctx context.Context, failures int) error
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyResult(ctx context.Context, outcome *models.RunOutcome) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyResult(ctx, outcome))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyFailure(ctx context.Context, failure Failure) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyFailure(ctx, failure))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyRecovery(ctx context.Context, failures int) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyRecovery(ctx, failures))
	}
	return errors.Join(errs...)
}
