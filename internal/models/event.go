package models

import "time"

// Provider names a remote calendar service.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderICloud    Provider = "icloud"
)

// SyncSource records which side last won for an event.
type SyncSource string

const (
	SourceLocal     SyncSource = "local"
	SourceGoogle    SyncSource = SyncSource(ProviderGoogle)
	SourceMicrosoft SyncSource = SyncSource(ProviderMicrosoft)
	SourceICloud    SyncSource = SyncSource(ProviderICloud)
)

// SourceFor maps a provider to the matching sync source.
func SourceFor(p Provider) SyncSource {
	return SyncSource(p)
}

// Event represents a calendar event as stored locally.
// This is the internal representation, independent of any specific calendar provider.
type Event struct {
	ID              string     `gorm:"column:id;primaryKey;size:64"`
	Subject         string     `gorm:"column:subject;not null"`
	StartTime       time.Time  `gorm:"column:start_time;not null;index:idx_events_start"`
	EndTime         time.Time  `gorm:"column:end_time;not null"`
	Location        string     `gorm:"column:location;not null"`
	Description     string     `gorm:"column:description;type:text;not null"`
	Attendees       []string   `gorm:"column:attendees;serializer:json"`
	Notes           string     `gorm:"column:notes;type:text;not null"`
	OpenQuestions   string     `gorm:"column:open_questions;type:text;not null"`
	RecordingURL    string     `gorm:"column:recording_url;not null"`
	LastLocalUpdate *time.Time `gorm:"column:last_local_update"` // Advanced only by local mutation paths
	SyncSource      SyncSource `gorm:"column:sync_source;size:32;not null"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`

	Links []EventLink `gorm:"foreignKey:EventID"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// EventLink ties a local event to its twin in one provider.
type EventLink struct {
	EventID         string     `gorm:"column:event_id;primaryKey;size:64"`
	Provider        Provider   `gorm:"column:provider;primaryKey;size:32;uniqueIndex:idx_links_external,priority:1"`
	ExternalID      string     `gorm:"column:external_id;size:1024;not null;uniqueIndex:idx_links_external,priority:2"`
	CalendarLink    string     `gorm:"column:calendar_link;not null"`
	LastSync        *time.Time `gorm:"column:last_sync"`         // Last reconciliation touching this event for the provider
	RemoteUpdatedAt *time.Time `gorm:"column:remote_updated_at"` // Remote's own modification instant, captured at fetch or push
	PushPending     bool       `gorm:"column:push_pending;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventLink) TableName() string {
	return "event_links"
}

// Link returns the event's link for the provider, or nil.
func (e *Event) Link(p Provider) *EventLink {
	for i := range e.Links {
		if e.Links[i].Provider == p {
			return &e.Links[i]
		}
	}
	return nil
}

// EnsureLink returns the existing link for the provider or appends a new one.
func (e *Event) EnsureLink(p Provider, externalID string) *EventLink {
	if l := e.Link(p); l != nil {
		l.ExternalID = externalID
		return l
	}
	e.Links = append(e.Links, EventLink{EventID: e.ID, Provider: p, ExternalID: externalID})
	return &e.Links[len(e.Links)-1]
}

// HasImportantData reports whether the event carries local-only data that must not be overwritten lightly.
func (e *Event) HasImportantData() bool {
	return e.Notes != "" || e.OpenQuestions != "" || e.RecordingURL != ""
}

// RemoteEvent is the normalized projection of an event as a provider reports it.
type RemoteEvent struct {
	Provider    Provider  // Provider the event was fetched from or is pushed to
	ExternalID  string    // Provider-assigned identifier
	Title       string    // Summary or title of the event
	Description string    // Detailed description of the event
	Start       time.Time // Start time of the event
	End         time.Time // End time of the event
	Location    string    // Location of the event
	Attendees   []string  // List of attendee emails
	Link        string    // Web link to the event in the provider's UI
	UpdatedAt   string    // Remote modification instant, as the provider encodes it
}

// ToRemote projects the local event into the payload pushed to a provider.
func (e *Event) ToRemote(p Provider) RemoteEvent {
	re := RemoteEvent{
		Provider:    p,
		Title:       e.Subject,
		Description: e.Description,
		Start:       e.StartTime,
		End:         e.EndTime,
		Location:    e.Location,
		Attendees:   append([]string(nil), e.Attendees...),
	}
	if l := e.Link(p); l != nil {
		re.ExternalID = l.ExternalID
		re.Link = l.CalendarLink
	}
	return re
}

// ApplyRemote overwrites the provider-owned fields from a remote event.
// Local-only fields and LastLocalUpdate are left untouched.
func (e *Event) ApplyRemote(r RemoteEvent) {
	e.Subject = r.Title
	e.Description = r.Description
	e.StartTime = r.Start.UTC()
	e.EndTime = r.End.UTC()
	e.Location = r.Location
	e.Attendees = append([]string(nil), r.Attendees...)
}

// Tombstone records one link of an event removed by deletion reconciliation,
// kept for manual recovery and for retrying delete propagation.
type Tombstone struct {
	ID          string     `gorm:"column:id;primaryKey;size:64"`
	EventID     string     `gorm:"column:event_id;size:64;not null;index"`
	Provider    Provider   `gorm:"column:provider;size:32;not null;index:idx_tombstones_external,priority:1"`
	ExternalID  string     `gorm:"column:external_id;size:1024;not null;index:idx_tombstones_external,priority:2"`
	Subject     string     `gorm:"column:subject;not null"`
	StartTime   time.Time  `gorm:"column:start_time"`
	EndTime     time.Time  `gorm:"column:end_time"`
	WindowStart time.Time  `gorm:"column:window_start"`
	WindowEnd   time.Time  `gorm:"column:window_end"`
	Origin      bool       `gorm:"column:origin;not null"` // The provider whose fetch no longer had the event
	Propagated  bool       `gorm:"column:propagated;not null"`
	PayloadJSON string     `gorm:"column:payload_json;type:text;not null"`
	DeletedAt   time.Time  `gorm:"column:deleted_at;not null;index"`
	ResolvedAt  *time.Time `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "tombstones"
}

// DeletionReason describes why reconciliation removes an event.
type DeletionReason struct {
	Provider    Provider
	WindowStart time.Time
	WindowEnd   time.Time
	Propagated  map[Provider]bool // Other providers the deletion already reached
}
