package rodepush

import (
	"testing"
	"time"
)

func TestDeploymentTransitions(t *testing.T) {
	tt := []struct {
		from, to DeploymentStatus
		ok       bool
	}{
		{DeploymentPending, DeploymentActive, true},
		{DeploymentPending, DeploymentFailed, true},
		{DeploymentPending, DeploymentPaused, false},
		{DeploymentActive, DeploymentPaused, true},
		{DeploymentActive, DeploymentRolledBack, true},
		{DeploymentActive, DeploymentFailed, true},
		{DeploymentPaused, DeploymentActive, true},
		{DeploymentPaused, DeploymentRolledBack, true},
		{DeploymentPaused, DeploymentFailed, false},
		{DeploymentRolledBack, DeploymentActive, false},
		{DeploymentFailed, DeploymentActive, false},
	}
	for _, tc := range tt {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestDeploymentTransitionStamps(t *testing.T) {
	now := time.Now().UTC()
	d := Deployment{Status: DeploymentPending}

	if err := d.Transition(DeploymentActive, now); err != nil {
		t.Fatal(err)
	}
	if d.ActivatedAt == nil || !d.ActivatedAt.Equal(now) {
		t.Error("activation time not stamped")
	}

	later := now.Add(time.Hour)
	if err := d.Transition(DeploymentRolledBack, later); err != nil {
		t.Fatal(err)
	}
	if d.RolledBackAt == nil || !d.RolledBackAt.Equal(later) {
		t.Error("rollback time not stamped")
	}

	// Terminal: a second rollback is a conflict.
	if err := d.Transition(DeploymentRolledBack, later); err == nil {
		t.Fatal("expected conflict")
	} else if !isKind(err, ErrConflict) {
		t.Errorf("wrong kind: %v", err)
	}
}

func TestRolloutValidation(t *testing.T) {
	for _, pct := range []int{-1, 101} {
		d := Deployment{RolloutPercentage: pct}
		if err := d.ValidateRollout(); err == nil {
			t.Errorf("%d: expected error", pct)
		}
	}
	for _, pct := range []int{0, 50, 100} {
		d := Deployment{RolloutPercentage: pct}
		if err := d.ValidateRollout(); err != nil {
			t.Errorf("%d: %v", pct, err)
		}
	}
}

func TestRatioClamp(t *testing.T) {
	tt := []struct {
		c, u int64
		want float64
	}{
		{50, 100, 0.5},
		{100, 100, 1},
		{150, 100, 1},
		{0, 100, 0},
		{10, 0, 1},
	}
	for _, tc := range tt {
		if got := Ratio(tc.c, tc.u); got != tc.want {
			t.Errorf("Ratio(%d, %d): got %v, want %v", tc.c, tc.u, got, tc.want)
		}
	}
}
