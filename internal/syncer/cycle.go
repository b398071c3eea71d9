package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/direction"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/store"
	"calsync/internal/timestamp"
)

// cycle carries the state of one run over the window.
type cycle struct {
	o      *Orchestrator
	now    time.Time
	window models.Window
	report *CycleReport
	// ready holds the providers authenticated in this cycle, by name.
	ready map[models.Provider]provider.Client
	// movedOut holds ids of events whose absorbed remote version starts outside the window.
	movedOut map[string]struct{}
}

func (c *cycle) run(ctx context.Context) {
	o := c.o
	c.ready = make(map[models.Provider]provider.Client, len(o.providers))
	c.movedOut = make(map[string]struct{})

	for _, client := range o.providers {
		pr := &ProviderReport{Provider: client.Name()}
		c.report.Providers = append(c.report.Providers, pr)
		if err := client.Authenticate(ctx); err != nil {
			o.setAvailable(client.Name(), false)
			pr.Error = err.Error()
			o.logger.Warn("Provider authentication failed, skipping it for this cycle", "provider", client.Name(), "error", err)
			continue
		}
		o.setAvailable(client.Name(), true)
		pr.Available = true
		c.ready[client.Name()] = client
	}

	var completed []provider.Client
	for _, client := range o.providers {
		if _, ok := c.ready[client.Name()]; !ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if c.inbound(ctx, client, c.report.Provider(client.Name())) {
			completed = append(completed, client)
		}
	}

	for _, client := range completed {
		if ctx.Err() != nil {
			return
		}
		c.outbound(ctx, client, c.report.Provider(client.Name()))
	}
}

// inbound pulls the provider's window into the store and reconciles deletions.
// It reports whether the fetch succeeded.
func (c *cycle) inbound(ctx context.Context, client provider.Client, pr *ProviderReport) bool {
	logger := c.o.logger.With("provider", client.Name())

	remotes, err := client.FetchWindow(ctx, c.window.Start, c.window.End)
	if err != nil {
		pr.Error = err.Error()
		logger.Error("Could not fetch events, skipping provider for this cycle", "error", err)
		return false
	}
	pr.Fetched = len(remotes)
	logger.Info("Fetched remote events.", "count", len(remotes))

	seen := make(map[string]struct{}, len(remotes))
	for i := range remotes {
		remote := &remotes[i]
		if remote.ExternalID == "" {
			logger.Warn("Remote event has no id, skipping", "title", remote.Title)
			continue
		}
		remote.Provider = client.Name()
		seen[remote.ExternalID] = struct{}{}
		if err := c.applyRemote(ctx, client, remote, pr); err != nil {
			pr.Failed++
			logger.Error("Failed to reconcile remote event", "externalID", remote.ExternalID, "title", remote.Title, "error", err)
		}
	}

	c.reconcileDeletions(ctx, client, seen, pr)
	return true
}

func (c *cycle) applyRemote(ctx context.Context, client provider.Client, remote *models.RemoteEvent, pr *ProviderReport) error {
	local, err := c.o.store.GetByExternalID(ctx, client.Name(), remote.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return c.importRemote(ctx, client, remote, pr)
	}
	if err != nil {
		return err
	}

	verdict, reason := direction.Determine(local, remote)
	c.o.logger.Debug("Sync decision", "provider", client.Name(), "eventID", local.ID, "verdict", verdict, "reason", reason)

	switch verdict {
	case direction.NoChange:
		pr.Unchanged++
		return nil
	case direction.Conflict:
		pr.Conflicts++
		side := c.o.opts.Resolver.Resolve(local, remote)
		c.o.logger.Info("Resolved conflict", "provider", client.Name(), "eventID", local.ID, "subject", local.Subject, "reason", reason, "winner", side)
		if side == direction.SideRemote {
			verdict = direction.RemoteToLocal
		} else {
			verdict = direction.LocalToRemote
		}
	}

	if verdict == direction.RemoteToLocal {
		return c.absorbRemote(ctx, local, remote, pr)
	}
	return c.markForPush(ctx, local, remote, pr)
}

// absorbRemote overwrites the local copy with the remote one and queues the
// change for the event's other providers.
func (c *cycle) absorbRemote(ctx context.Context, local *models.Event, remote *models.RemoteEvent, pr *ProviderReport) error {
	if c.o.opts.DryRun {
		c.o.logger.Info("[DRY RUN] Would update local event from remote", "provider", remote.Provider, "eventID", local.ID, "title", remote.Title)
		return nil
	}
	local.ApplyRemote(*remote)
	local.SyncSource = models.SourceFor(remote.Provider)
	c.touchLink(local, remote)
	for i := range local.Links {
		if local.Links[i].Provider != remote.Provider {
			local.Links[i].PushPending = true
		}
	}
	if _, err := c.o.store.Upsert(ctx, local); err != nil {
		return err
	}
	pr.UpdatedLocal++
	c.o.logger.Info("Updated local event from remote", "provider", remote.Provider, "eventID", local.ID, "title", remote.Title)
	return nil
}

// markForPush records that the local copy wins; the outbound leg pushes it.
func (c *cycle) markForPush(ctx context.Context, local *models.Event, remote *models.RemoteEvent, pr *ProviderReport) error {
	if c.o.opts.DryRun {
		c.o.logger.Info("[DRY RUN] Would push local event to remote", "provider", remote.Provider, "eventID", local.ID, "subject", local.Subject)
		return nil
	}
	link := local.Link(remote.Provider)
	now := c.now
	link.LastSync = &now
	link.PushPending = true
	if _, err := c.o.store.Upsert(ctx, local); err != nil {
		return err
	}
	pr.MarkedForPush++
	return nil
}

// importRemote handles a remote event with no local twin.
func (c *cycle) importRemote(ctx context.Context, client provider.Client, remote *models.RemoteEvent, pr *ProviderReport) error {
	if c.propagateDeletes() {
		tomb, err := c.o.store.PendingTombstone(ctx, client.Name(), remote.ExternalID)
		switch {
		case err == nil:
			return c.retryRemoteDelete(ctx, client, tomb, pr)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	if c.o.opts.DryRun {
		c.o.logger.Info("[DRY RUN] Would create local event from remote", "provider", remote.Provider, "title", remote.Title, "startTime", remote.Start)
		return nil
	}
	ev := &models.Event{SyncSource: models.SourceFor(remote.Provider)}
	ev.ApplyRemote(*remote)
	c.touchLink(ev, remote)
	if _, err := c.o.store.Upsert(ctx, ev); err != nil {
		return err
	}
	pr.CreatedLocal++
	c.o.logger.Info("Created local event from remote", "provider", remote.Provider, "eventID", ev.ID, "title", remote.Title)
	return nil
}

// retryRemoteDelete finishes a deletion that did not reach this provider when it happened.
func (c *cycle) retryRemoteDelete(ctx context.Context, client provider.Client, tomb *models.Tombstone, pr *ProviderReport) error {
	if c.o.opts.DryRun {
		c.o.logger.Info("[DRY RUN] Would delete remote event of a deleted local event", "provider", client.Name(), "externalID", tomb.ExternalID, "subject", tomb.Subject)
		return nil
	}
	if err := client.Delete(ctx, tomb.ExternalID); err != nil {
		return fmt.Errorf("retry delete of %q: %w", tomb.Subject, err)
	}
	if err := c.o.store.MarkPropagated(ctx, tomb.ID); err != nil {
		return err
	}
	pr.DeletesPropagated++
	c.o.logger.Info("Propagated earlier deletion", "provider", client.Name(), "externalID", tomb.ExternalID, "subject", tomb.Subject)
	return nil
}

// reconcileDeletions removes local events whose link to the provider no longer
// appears in a fresh fetch of the window. Each one is first looked up by id:
// only an event the provider reports as gone is deleted. One that still exists,
// typically moved outside the window, is reconciled like any other remote edit.
func (c *cycle) reconcileDeletions(ctx context.Context, client provider.Client, seen map[string]struct{}, pr *ProviderReport) {
	logger := c.o.logger.With("provider", client.Name())

	events, err := c.o.store.GetByWindow(ctx, c.window)
	if err != nil {
		pr.Failed++
		logger.Error("Could not load local events for deletion check", "error", err)
		return
	}

	for _, ev := range events {
		link := ev.Link(client.Name())
		if link == nil {
			continue
		}
		if _, ok := seen[link.ExternalID]; ok {
			continue
		}

		remote, err := client.Get(ctx, link.ExternalID)
		if err == nil {
			remote.Provider = client.Name()
			if err := c.applyRemote(ctx, client, &remote, pr); err != nil {
				pr.Failed++
				logger.Error("Failed to reconcile event missing from window", "eventID", ev.ID, "externalID", link.ExternalID, "error", err)
				continue
			}
			if !c.window.Contains(remote.Start) {
				c.movedOut[ev.ID] = struct{}{}
			}
			logger.Info("Event left the window but still exists, keeping it",
				"eventID", ev.ID, "subject", ev.Subject, "externalID", link.ExternalID, "start", remote.Start)
			continue
		}
		if !provider.IsNotFound(err) {
			pr.Failed++
			logger.Warn("Could not confirm deletion, keeping local event until next cycle",
				"eventID", ev.ID, "subject", ev.Subject, "externalID", link.ExternalID, "error", err)
			continue
		}

		reason := models.DeletionReason{
			Provider:    client.Name(),
			WindowStart: c.window.Start,
			WindowEnd:   c.window.End,
			Propagated:  make(map[models.Provider]bool),
		}
		if c.o.opts.DryRun {
			logger.Info("[DRY RUN] Would delete local event deleted from provider",
				"eventID", ev.ID, "subject", ev.Subject, "externalID", link.ExternalID)
			continue
		}
		if c.propagateDeletes() {
			c.propagateDelete(ctx, ev, reason, pr)
		}
		if err := c.o.store.Delete(ctx, ev.ID, reason); err != nil {
			pr.Failed++
			logger.Error("Failed to delete local event", "eventID", ev.ID, "subject", ev.Subject, "error", err)
			continue
		}
		pr.DeletedLocal++
		logger.Warn("Deleted local event deleted from provider",
			"eventID", ev.ID,
			"subject", ev.Subject,
			"externalID", link.ExternalID,
			"windowStart", c.window.Start,
			"windowEnd", c.window.End,
		)
	}
}

// propagateDelete removes the event from its other linked providers, best effort.
// Providers it could not reach keep an unpropagated tombstone and are retried when
// they next report the event.
func (c *cycle) propagateDelete(ctx context.Context, ev *models.Event, reason models.DeletionReason, pr *ProviderReport) {
	for _, other := range ev.Links {
		if other.Provider == reason.Provider {
			continue
		}
		client, ok := c.ready[other.Provider]
		if !ok {
			continue
		}
		if err := client.Delete(ctx, other.ExternalID); err != nil {
			c.o.logger.Warn("Could not propagate deletion", "provider", other.Provider, "externalID", other.ExternalID, "error", err)
			continue
		}
		reason.Propagated[other.Provider] = true
		pr.DeletesPropagated++
	}
}

// outbound pushes in-window events that are new to the provider, edited
// locally since the last sync, or flagged for push.
func (c *cycle) outbound(ctx context.Context, client provider.Client, pr *ProviderReport) {
	name := client.Name()
	logger := c.o.logger.With("provider", name)

	events, err := c.pushCandidates(ctx)
	if err != nil {
		pr.Failed++
		logger.Error("Could not load local events for push", "error", err)
		return
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		link := ev.Link(name)
		if !needsPush(ev, link) {
			continue
		}
		if c.o.opts.DryRun {
			logger.Info("[DRY RUN] Would push event", "eventID", ev.ID, "subject", ev.Subject, "create", link == nil)
			continue
		}

		payload := ev.ToRemote(name)
		var res provider.PushResult
		if link == nil {
			res, err = client.Create(ctx, payload)
		} else {
			res, err = client.Update(ctx, link.ExternalID, payload)
		}
		if err != nil {
			pr.Failed++
			logger.Error("Failed to push event", "eventID", ev.ID, "subject", ev.Subject, "error", err)
			if provider.IsAuthentication(err) {
				c.o.setAvailable(name, false)
				pr.Available = false
				pr.Error = err.Error()
				logger.Warn("Provider rejected its credentials, skipping its remaining pushes this cycle")
				return
			}
			continue
		}

		created := link == nil
		externalID := res.ExternalID
		if externalID == "" && link != nil {
			externalID = link.ExternalID
		}
		l := ev.EnsureLink(name, externalID)
		if res.Link != "" {
			l.CalendarLink = res.Link
		}
		now := c.now
		l.LastSync = &now
		if t := timestamp.ParseOptional(res.UpdatedAt); t != nil {
			l.RemoteUpdatedAt = t
		}
		l.PushPending = false

		if _, err := c.o.store.Upsert(ctx, ev); err != nil {
			pr.Failed++
			logger.Error("Pushed event but failed to record it; the next push may duplicate it",
				"eventID", ev.ID, "externalID", externalID, "error", err)
			continue
		}
		if created {
			pr.PushedCreated++
		} else {
			pr.PushedUpdated++
		}
		logger.Info("Pushed event", "eventID", ev.ID, "subject", ev.Subject, "externalID", externalID, "created", created)
	}
}

// pushCandidates is every event in the window plus the events moved out of it in this cycle.
func (c *cycle) pushCandidates(ctx context.Context) ([]*models.Event, error) {
	events, err := c.o.store.GetByWindow(ctx, c.window)
	if err != nil {
		return nil, err
	}
	listed := make(map[string]struct{}, len(events))
	for _, ev := range events {
		listed[ev.ID] = struct{}{}
	}
	for id := range c.movedOut {
		if _, ok := listed[id]; ok {
			continue
		}
		ev, err := c.o.store.GetByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func needsPush(ev *models.Event, link *models.EventLink) bool {
	if link == nil {
		return true
	}
	if link.PushPending {
		return true
	}
	if ev.LastLocalUpdate == nil {
		return false
	}
	return link.LastSync == nil || ev.LastLocalUpdate.After(*link.LastSync)
}

func (c *cycle) propagateDeletes() bool {
	return !c.o.opts.KeepRemoteOnDelete
}

// touchLink records the remote version the local copy now embodies.
func (c *cycle) touchLink(ev *models.Event, remote *models.RemoteEvent) {
	link := ev.EnsureLink(remote.Provider, remote.ExternalID)
	if remote.Link != "" {
		link.CalendarLink = remote.Link
	}
	now := c.now
	link.LastSync = &now
	link.RemoteUpdatedAt = timestamp.ParseOptional(remote.UpdatedAt)
	link.PushPending = false
}
