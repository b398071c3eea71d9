// Package direction decides which side of a local/remote event pair should
// win a synchronization step.
package direction

import (
	"fmt"
	"time"

	"calsync/internal/models"
	"calsync/internal/timestamp"
)

// Verdict is the detector's decision for one event pair.
type Verdict string

const (
	LocalToRemote Verdict = "local_to_remote"
	RemoteToLocal Verdict = "remote_to_local"
	Conflict      Verdict = "conflict"
	NoChange      Verdict = "no_change"
)

const (
	// SameInstant is the largest difference treated as no change at all.
	SameInstant = time.Second
	// SimultaneousWindow bounds differences too small to order reliably across clock skew and latency.
	SimultaneousWindow = 5 * time.Second
)

// Determine compares the modification instants of a local event and its remote twin.
// Either side may be nil. It performs no I/O and never mutates its arguments.
func Determine(local *models.Event, remote *models.RemoteEvent) (Verdict, string) {
	if remote == nil {
		return LocalToRemote, "event exists only locally"
	}
	if local == nil {
		return RemoteToLocal, "event exists only remotely"
	}

	localAt := LocalInstant(local, remote.Provider)
	remoteAt := timestamp.ParseOptional(remote.UpdatedAt)

	switch {
	case localAt == nil && remoteAt == nil:
		return Conflict, "insufficient timestamp information"
	case remoteAt == nil:
		return LocalToRemote, "local modification known, remote time unknown"
	case localAt == nil:
		return RemoteToLocal, "remote modification known, local time unknown"
	}

	diff := localAt.Sub(*remoteAt)
	abs := diff.Abs()
	switch {
	case abs < SameInstant:
		return NoChange, "no changes"
	case abs <= SimultaneousWindow:
		return Conflict, fmt.Sprintf("simultaneous edit window (difference %.1fs)", abs.Seconds())
	case diff > 0:
		return LocalToRemote, fmt.Sprintf("local event is newer by %.1fs", abs.Seconds())
	default:
		return RemoteToLocal, fmt.Sprintf("remote event is newer by %.1fs", abs.Seconds())
	}
}

// LocalInstant is the newest version the local record is known to embody:
// the later of its own last local update and the remote version it last absorbed from p.
func LocalInstant(local *models.Event, p models.Provider) *time.Time {
	latest := local.LastLocalUpdate
	if l := local.Link(p); l != nil && l.RemoteUpdatedAt != nil {
		if latest == nil || l.RemoteUpdatedAt.After(*latest) {
			latest = l.RemoteUpdatedAt
		}
	}
	return latest
}
