// Package provider defines the capability every remote calendar service
// exposes to the sync engine.
package provider

import (
	"context"
	"time"

	"calsync/internal/models"
)

// Client is implemented by each remote calendar service.
type Client interface {
	// Name identifies the provider; it keys event links.
	Name() models.Provider
	// Authenticate prepares credentials for the cycle about to run.
	Authenticate(ctx context.Context) error
	// FetchWindow returns every remote event starting in [start, end).
	FetchWindow(ctx context.Context, start, end time.Time) ([]models.RemoteEvent, error)
	// Get looks up one remote event wherever it starts. A deleted or cancelled
	// event yields an error of KindNotFound.
	Get(ctx context.Context, externalID string) (models.RemoteEvent, error)
	// Create inserts a remote event and reports its new identity.
	Create(ctx context.Context, event models.RemoteEvent) (PushResult, error)
	// Update overwrites the remote event with the given external id.
	Update(ctx context.Context, externalID string, event models.RemoteEvent) (PushResult, error)
	// Delete removes the remote event. Deleting an already missing event succeeds.
	Delete(ctx context.Context, externalID string) error
}

// PushResult is what a provider reports back after a write.
type PushResult struct {
	ExternalID string
	Link       string
	UpdatedAt  string // Remote modification instant in the provider's encoding, may be empty
}
