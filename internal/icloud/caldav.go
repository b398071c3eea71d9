package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"
	productID            = "-//calsync//EN"
)

// Config holds the Apple ID and app-specific password for one iCloud calendar.
type Config struct {
	Username     string
	Password     string
	CalendarName string
	// Endpoint overrides the iCloud CalDAV root, for other CalDAV servers and tests.
	Endpoint string
	// Transport overrides the underlying round tripper.
	Transport http.RoundTripper
	// Clock stamps DTSTAMP and LAST-MODIFIED on written events. Nil means time.Now.
	Clock func() time.Time
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.Transport.RoundTrip(req)
}

// statusTransport turns classifiable HTTP error statuses into provider errors before
// go-webdav flattens them into plain errors. Other 4xx responses pass through.
type statusTransport struct {
	Transport http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, provider.NewError(models.ProviderICloud, req.Method, provider.KindTransient, err)
	}
	if kind := provider.KindForStatus(resp.StatusCode); resp.StatusCode >= 400 && kind != provider.KindPermanent {
		resp.Body.Close()
		return nil, provider.NewError(models.ProviderICloud, req.Method, kind,
			fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status))
	}
	return resp, nil
}

// CalDAVClient is a client for interacting with a CalDAV server (iCloud).
type CalDAVClient struct {
	cfg          Config
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string

	mu    sync.Mutex
	paths map[string]string // UID to object path, learned while fetching
}

// NewClient creates a CalDAV client for iCloud. Calendar discovery happens in Authenticate.
func NewClient(logger *slog.Logger, cfg Config) (*CalDAVClient, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = iCloudCalDAVEndpoint
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	transport := &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &statusTransport{Transport: cfg.Transport},
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &CalDAVClient{
		cfg:          cfg,
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger.With("provider", models.ProviderICloud),
		paths:        make(map[string]string),
	}, nil
}

// Name implements provider.Client.
func (c *CalDAVClient) Name() models.Provider {
	return models.ProviderICloud
}

// Authenticate logs in by discovering the configured calendar.
func (c *CalDAVClient) Authenticate(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return provider.NewError(c.Name(), "authenticate", provider.KindAuthentication,
			errors.New("ICLOUD_USERNAME and ICLOUD_APP_SPECIFIC_PASSWORD are required"))
	}
	c.logger.Info("Finding iCloud calendar", "calendarName", c.cfg.CalendarName)
	calendarPath, err := c.findCalendar(ctx, c.cfg.CalendarName)
	if err != nil {
		return classify("authenticate", fmt.Errorf("could not find calendar '%s': %w", c.cfg.CalendarName, err))
	}
	c.calendarPath = calendarPath
	c.logger.Info("Successfully found iCloud calendar", "path", calendarPath)
	return nil
}

var eventRequest = caldav.CalendarCompRequest{
	Name:  ical.CompCalendar,
	Props: []string{ical.PropVersion},
	Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
}

// FetchWindow queries VEVENTs overlapping the window.
func (c *CalDAVClient) FetchWindow(ctx context.Context, start, end time.Time) ([]models.RemoteEvent, error) {
	if c.calendarPath == "" {
		return nil, errNotAuthenticated("fetch")
	}
	query := &caldav.CalendarQuery{
		CompRequest: eventRequest,
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start.UTC(), End: end.UTC()}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, classify("fetch", err)
	}

	var events []models.RemoteEvent
	c.mu.Lock()
	for _, obj := range objects {
		for _, re := range toRemoteEvents(obj) {
			// The query matches overlap; the engine's window is by start time.
			if re.Start.Before(start) || !re.Start.Before(end) {
				continue
			}
			c.paths[re.ExternalID] = obj.Path
			events = append(events, re)
		}
	}
	c.mu.Unlock()

	c.logger.Info("Successfully fetched events from iCloud", "count", len(events))
	return events, nil
}

// Get finds the event by UID anywhere in the calendar. A UID no object carries is not found.
func (c *CalDAVClient) Get(ctx context.Context, externalID string) (models.RemoteEvent, error) {
	if c.calendarPath == "" {
		return models.RemoteEvent{}, errNotAuthenticated("get")
	}
	query := &caldav.CalendarQuery{
		CompRequest: eventRequest,
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Props: []caldav.PropFilter{{Name: ical.PropUID, TextMatch: &caldav.TextMatch{Text: externalID}}},
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return models.RemoteEvent{}, classify("get", err)
	}
	for _, obj := range objects {
		for _, re := range toRemoteEvents(obj) {
			// text-match is a substring match.
			if re.ExternalID != externalID {
				continue
			}
			c.mu.Lock()
			c.paths[re.ExternalID] = obj.Path
			c.mu.Unlock()
			return re, nil
		}
	}
	return models.RemoteEvent{}, provider.NewError(c.Name(), "get", provider.KindNotFound,
		fmt.Errorf("no event with UID %s", externalID))
}

// Create writes a new event with a fresh UID.
func (c *CalDAVClient) Create(ctx context.Context, event models.RemoteEvent) (provider.PushResult, error) {
	if c.calendarPath == "" {
		return provider.PushResult{}, errNotAuthenticated("create")
	}
	uid := GenerateUID()
	return c.put(ctx, "create", uid, path.Join(c.calendarPath, uid+".ics"), event)
}

// Update rewrites the event stored under the UID.
func (c *CalDAVClient) Update(ctx context.Context, externalID string, event models.RemoteEvent) (provider.PushResult, error) {
	if c.calendarPath == "" {
		return provider.PushResult{}, errNotAuthenticated("update")
	}
	return c.put(ctx, "update", externalID, c.objectPath(externalID), event)
}

// Delete removes the event; an event that is already gone counts as deleted.
func (c *CalDAVClient) Delete(ctx context.Context, externalID string) error {
	if c.calendarPath == "" {
		return errNotAuthenticated("delete")
	}
	objectPath := c.objectPath(externalID)
	if err := c.webdavClient.RemoveAll(ctx, objectPath); err != nil {
		classified := classify("delete", err)
		if provider.IsNotFound(classified) {
			return nil
		}
		return classified
	}
	c.mu.Lock()
	delete(c.paths, externalID)
	c.mu.Unlock()
	c.logger.Info("Deleted event from iCloud", "uid", externalID)
	return nil
}

func (c *CalDAVClient) put(ctx context.Context, op, uid, objectPath string, event models.RemoteEvent) (provider.PushResult, error) {
	c.logger.Debug("Syncing event to iCloud", "eventTitle", event.Title, "uid", uid)

	modified := c.cfg.Clock().UTC().Truncate(time.Second)
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(uid, event, modified))

	if _, err := c.caldavClient.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return provider.PushResult{}, classify(op, fmt.Errorf("failed to write event to CalDAV server: %w", err))
	}
	c.mu.Lock()
	c.paths[uid] = objectPath
	c.mu.Unlock()

	c.logger.Info("Successfully synced event to iCloud", "eventTitle", event.Title, "uid", uid)
	return provider.PushResult{
		ExternalID: uid,
		Link:       objectPath,
		UpdatedAt:  modified.Format(time.RFC3339),
	}, nil
}

func (c *CalDAVClient) objectPath(uid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[uid]; ok {
		return p
	}
	return path.Join(c.calendarPath, uid+".ics")
}

// toICal converts an event payload to an ical.Component (VEVENT).
func toICal(uid string, event models.RemoteEvent, modified time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, modified)
	ve.Props.SetDateTime(ical.PropLastModified, modified)
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.End.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee))
		ve.Props.Add(p)
	}
	return ve
}

// toRemoteEvents extracts the VEVENTs of one calendar object.
func toRemoteEvents(obj caldav.CalendarObject) []models.RemoteEvent {
	if obj.Data == nil {
		return nil
	}
	var events []models.RemoteEvent
	for _, ev := range obj.Data.Events() {
		// Overridden occurrences share the UID of their series.
		if ev.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		uid, err := ev.Props.Text(ical.PropUID)
		if err != nil || uid == "" {
			continue
		}
		start, err := ev.DateTimeStart(time.UTC)
		if err != nil || start.IsZero() {
			continue
		}
		end, err := ev.DateTimeEnd(time.UTC)
		if err != nil || end.IsZero() {
			end = start
		}

		re := models.RemoteEvent{
			Provider:   models.ProviderICloud,
			ExternalID: uid,
			Start:      start.UTC(),
			End:        end.UTC(),
			Link:       obj.Path,
			UpdatedAt:  updatedAt(ev, obj.ModTime),
		}
		re.Title, _ = ev.Props.Text(ical.PropSummary)
		re.Description, _ = ev.Props.Text(ical.PropDescription)
		re.Location, _ = ev.Props.Text(ical.PropLocation)
		for _, p := range ev.Props.Values(ical.PropAttendee) {
			addr := strings.TrimPrefix(strings.TrimPrefix(p.Value, "mailto:"), "MAILTO:")
			if addr != "" {
				re.Attendees = append(re.Attendees, addr)
			}
		}
		events = append(events, re)
	}
	return events
}

// updatedAt prefers LAST-MODIFIED, then DTSTAMP, then the server's modification time.
func updatedAt(ev ical.Event, modTime time.Time) string {
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if t, err := ev.Props.DateTime(name, time.UTC); err == nil && !t.IsZero() {
			return t.UTC().Format(time.RFC3339)
		}
	}
	if !modTime.IsZero() {
		return modTime.UTC().Format(time.RFC3339)
	}
	return ""
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", provider.NewError(models.ProviderICloud, "find_calendar", provider.KindPermanent,
		fmt.Errorf("no calendar found with name '%s'", name))
}

// classify keeps kinds set by statusTransport and maps the remaining go-webdav errors.
func classify(op string, err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return provider.NewError(models.ProviderICloud, op, pe.Kind, err)
	}
	return provider.NewError(models.ProviderICloud, op, provider.KindOf(err), err)
}

func errNotAuthenticated(op string) error {
	return provider.NewError(models.ProviderICloud, op, provider.KindAuthentication, errors.New("client is not authenticated"))
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
