package direction

import (
	"calsync/internal/models"
	"calsync/internal/timestamp"
)

// Side names the winner of a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolver breaks ties on Conflict verdicts.
type Resolver interface {
	Resolve(local *models.Event, remote *models.RemoteEvent) Side
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(local *models.Event, remote *models.RemoteEvent) Side

func (f ResolverFunc) Resolve(local *models.Event, remote *models.RemoteEvent) Side {
	return f(local, remote)
}

// DefaultResolver applies Priority.
var DefaultResolver Resolver = ResolverFunc(Priority)

// Priority picks the side that wins a conflict.
// Local data the user typed in (notes, open questions, recording) always wins.
// Otherwise the remote wins only when the event is already linked to that
// provider and the remote edit is strictly later than the last local update.
func Priority(local *models.Event, remote *models.RemoteEvent) Side {
	if local.HasImportantData() {
		return SideLocal
	}
	if local.Link(remote.Provider) == nil {
		return SideLocal
	}
	remoteAt := timestamp.ParseOptional(remote.UpdatedAt)
	if remoteAt != nil && local.LastLocalUpdate != nil && remoteAt.After(*local.LastLocalUpdate) {
		return SideRemote
	}
	return SideLocal
}
