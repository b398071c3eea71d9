package syncer

import (
	"fmt"
	"time"

	"calsync/internal/models"
)

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	DryRun      bool              `json:"dry_run"`
	Providers   []*ProviderReport `json:"providers"`
	Error       string            `json:"error,omitempty"`
}

// ProviderReport counts what one provider's legs did during a cycle.
type ProviderReport struct {
	Provider          models.Provider `json:"provider"`
	Available         bool            `json:"available"`
	Fetched           int             `json:"fetched"`
	CreatedLocal      int             `json:"created_local"`
	UpdatedLocal      int             `json:"updated_local"`
	MarkedForPush     int             `json:"marked_for_push"`
	Unchanged         int             `json:"unchanged"`
	Conflicts         int             `json:"conflicts"`
	DeletedLocal      int             `json:"deleted_local"`
	DeletesPropagated int             `json:"deletes_propagated"`
	PushedCreated     int             `json:"pushed_created"`
	PushedUpdated     int             `json:"pushed_updated"`
	Failed            int             `json:"failed"`
	Error             string          `json:"error,omitempty"`
}

// Provider returns the report for p, or nil.
func (r *CycleReport) Provider(p models.Provider) *ProviderReport {
	for _, pr := range r.Providers {
		if pr.Provider == p {
			return pr
		}
	}
	return nil
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Running         bool             `json:"running"`
	IntervalSeconds int              `json:"interval_seconds"`
	Providers       []ProviderStatus `json:"providers"`
	Cycles          int              `json:"cycles"`
	LastCycleAt     *time.Time       `json:"last_cycle_at,omitempty"`
	LastReport      *CycleReport     `json:"last_report,omitempty"`
}

// ProviderStatus reports whether the provider authenticated in the latest attempt.
type ProviderStatus struct {
	Name      models.Provider `json:"name"`
	Available bool            `json:"available"`
}

// FatalError is a panic recovered from a sync cycle. The cycle ends; the scheduler keeps running.
type FatalError struct {
	Value any
	Stack []byte
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sync cycle panicked: %v", e.Value)
}
