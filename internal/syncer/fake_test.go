package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"calsync/internal/models"
	"calsync/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeProvider is an in-memory calendar service.
type fakeProvider struct {
	name  models.Provider
	clock func() time.Time

	mu         sync.Mutex
	events     map[string]models.RemoteEvent
	nextID     int
	authErr    error
	fetchErr   error
	deleteErr  error
	getErr     error
	createErr  error
	failCreate map[string]error
	panicFetch bool
	fetchHook  func()

	creates, updates, deletes int
	gets, createCalls         int
}

func newFakeProvider(name models.Provider, clock func() time.Time) *fakeProvider {
	return &fakeProvider{
		name:       name,
		clock:      clock,
		events:     make(map[string]models.RemoteEvent),
		failCreate: make(map[string]error),
	}
}

func (f *fakeProvider) Name() models.Provider { return f.name }

func (f *fakeProvider) Authenticate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authErr
}

func (f *fakeProvider) FetchWindow(_ context.Context, start, end time.Time) ([]models.RemoteEvent, error) {
	f.mu.Lock()
	hook := f.fetchHook
	if f.panicFetch {
		f.panicFetch = false
		f.mu.Unlock()
		panic("fetch exploded")
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []models.RemoteEvent
	for _, ev := range f.events {
		if !ev.Start.Before(start) && ev.Start.Before(end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (f *fakeProvider) Get(_ context.Context, externalID string) (models.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return models.RemoteEvent{}, f.getErr
	}
	ev, ok := f.events[externalID]
	if !ok {
		return models.RemoteEvent{}, provider.NewError(f.name, "get", provider.KindNotFound, errors.New("no such event"))
	}
	return ev, nil
}

func (f *fakeProvider) Create(_ context.Context, ev models.RemoteEvent) (provider.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return provider.PushResult{}, f.createErr
	}
	if err := f.failCreate[ev.Title]; err != nil {
		return provider.PushResult{}, err
	}
	f.nextID++
	ev.Provider = f.name
	ev.ExternalID = fmt.Sprintf("%s-%d", f.name, f.nextID)
	ev.Link = "https://" + string(f.name) + "/" + ev.ExternalID
	ev.UpdatedAt = f.clock().UTC().Format(time.RFC3339Nano)
	f.events[ev.ExternalID] = ev
	f.creates++
	return provider.PushResult{ExternalID: ev.ExternalID, Link: ev.Link, UpdatedAt: ev.UpdatedAt}, nil
}

func (f *fakeProvider) Update(_ context.Context, externalID string, ev models.RemoteEvent) (provider.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[externalID]; !ok {
		return provider.PushResult{}, provider.NewError(f.name, "update", provider.KindNotFound, errors.New("no such event"))
	}
	ev.Provider = f.name
	ev.ExternalID = externalID
	ev.Link = "https://" + string(f.name) + "/" + externalID
	ev.UpdatedAt = f.clock().UTC().Format(time.RFC3339Nano)
	f.events[externalID] = ev
	f.updates++
	return provider.PushResult{ExternalID: externalID, Link: ev.Link, UpdatedAt: ev.UpdatedAt}, nil
}

func (f *fakeProvider) Delete(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.events, externalID)
	f.deletes++
	return nil
}

// put stores a remote event as if the user had edited it in the provider's UI.
func (f *fakeProvider) put(ev models.RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.Provider = f.name
	f.events[ev.ExternalID] = ev
}

func (f *fakeProvider) remove(externalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, externalID)
}

func (f *fakeProvider) get(externalID string) (models.RemoteEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[externalID]
	return ev, ok
}

func (f *fakeProvider) all() []models.RemoteEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RemoteEvent
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out
}

func (f *fakeProvider) set(fn func(f *fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProvider) counts() (creates, updates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.updates, f.deletes
}

// inflightTracker records the highest number of concurrent fetches.
type inflightTracker struct {
	current atomic.Int32
	max     atomic.Int32
	calls   atomic.Int32
}

func (p *inflightTracker) hook() {
	n := p.current.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			break
		}
	}
	p.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	p.current.Add(-1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
