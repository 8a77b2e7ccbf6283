package rodepush

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

// Deployment states. RolledBack and Failed are terminal.
const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentActive     DeploymentStatus = "active"
	DeploymentPaused     DeploymentStatus = "paused"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentFailed     DeploymentStatus = "failed"
)

// ParseDeploymentStatus validates a status string.
func ParseDeploymentStatus(s string) (DeploymentStatus, error) {
	switch st := DeploymentStatus(s); st {
	case DeploymentPending, DeploymentActive, DeploymentPaused, DeploymentRolledBack, DeploymentFailed:
		return st, nil
	}
	return "", &Error{Kind: ErrValidation, Message: fmt.Sprintf("invalid deployment status %q", s)}
}

// CanTransition reports whether the state machine permits moving from s
// to next.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	switch s {
	case DeploymentPending:
		return next == DeploymentActive || next == DeploymentFailed
	case DeploymentActive:
		return next == DeploymentPaused || next == DeploymentRolledBack || next == DeploymentFailed
	case DeploymentPaused:
		return next == DeploymentActive || next == DeploymentRolledBack
	}
	// rolled_back and failed are terminal.
	return false
}

// Terminal reports whether no further transition is possible.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentRolledBack || s == DeploymentFailed
}

// Scan implements sql.Scanner.
func (s *DeploymentStatus) Scan(i interface{}) error {
	str, ok := i.(string)
	if !ok {
		return &Error{Kind: ErrValidation, Message: fmt.Sprintf("invalid status type %T", i)}
	}
	v, err := ParseDeploymentStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer.
func (s DeploymentStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Deployment associates a bundle with an environment label and tracks
// its rollout lifecycle.
type Deployment struct {
	ID            uuid.UUID        `json:"id"`
	ApplicationID uuid.UUID        `json:"application_id"`
	BundleID      BundleID         `json:"bundle_id"`
	Environment   string           `json:"environment"`
	Status        DeploymentStatus `json:"status"`
	// RolloutPercentage is the fraction of targeted clients, in
	// [0, 100].
	RolloutPercentage int        `json:"rollout_percentage"`
	CreatedAt         time.Time  `json:"created_at"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	RolledBackAt      *time.Time `json:"rolled_back_at,omitempty"`
}

// Transition moves the deployment to next, stamping activation and
// rollback times. Illegal transitions are a conflict.
func (d *Deployment) Transition(next DeploymentStatus, now time.Time) error {
	if !d.Status.CanTransition(next) {
		return &Error{
			Kind:    ErrConflict,
			Message: fmt.Sprintf("deployment %s: cannot transition %s -> %s", d.ID, d.Status, next),
		}
	}
	switch next {
	case DeploymentActive:
		if d.ActivatedAt == nil {
			t := now
			d.ActivatedAt = &t
		}
	case DeploymentRolledBack:
		t := now
		d.RolledBackAt = &t
	}
	d.Status = next
	return nil
}

// ValidateRollout checks the rollout percentage invariant.
func (d *Deployment) ValidateRollout() error {
	if d.RolloutPercentage < 0 || d.RolloutPercentage > 100 {
		return &Error{
			Kind:    ErrValidation,
			Message: fmt.Sprintf("rollout percentage %d outside [0,100]", d.RolloutPercentage),
		}
	}
	return nil
}
