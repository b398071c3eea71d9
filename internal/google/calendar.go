package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	defaultCredentialsFile = "credentials.json"
	defaultTokenFile       = "token-google.json"
	defaultCalendarID      = "primary"
)

// Config locates the OAuth client and the saved token for one Google account.
type Config struct {
	ClientID        string
	ClientSecret    string
	CredentialsFile string
	TokenFile       string
	CalendarID      string
	// Options are appended to the calendar service options; tests point the client at a fake server here.
	Options []option.ClientOption
}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	cfg     Config
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a Google Calendar client. No network traffic happens until Authenticate.
func NewClient(logger *slog.Logger, cfg Config) *CalendarClient {
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = defaultCredentialsFile
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = defaultTokenFile
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = defaultCalendarID
	}
	return &CalendarClient{cfg: cfg, logger: logger.With("provider", models.ProviderGoogle)}
}

// Name implements provider.Client.
func (c *CalendarClient) Name() models.Provider {
	return models.ProviderGoogle
}

// Authenticate loads the saved token and builds the calendar service.
// It handles loading credentials and setting up an authenticated HTTP client.
func (c *CalendarClient) Authenticate(ctx context.Context) error {
	opts := c.cfg.Options
	if len(opts) == 0 {
		config, err := getOAuthConfig(c.cfg.ClientID, c.cfg.ClientSecret, c.cfg.CredentialsFile)
		if err != nil {
			return provider.NewError(c.Name(), "authenticate", provider.KindAuthentication, err)
		}
		token, err := tokenFromFile(c.cfg.TokenFile)
		if err != nil {
			return provider.NewError(c.Name(), "authenticate", provider.KindAuthentication,
				fmt.Errorf("could not load token %s: %w. Please run the 'auth' command first", c.cfg.TokenFile, err))
		}
		// The service outlives this call, so its token source must not be bound to ctx.
		opts = []option.ClientOption{option.WithTokenSource(config.TokenSource(context.Background(), token))}
	}

	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return provider.NewError(c.Name(), "authenticate", provider.KindAuthentication,
			fmt.Errorf("failed to create calendar service: %w", err))
	}
	if _, err := service.Calendars.Get(c.cfg.CalendarID).Context(ctx).Do(); err != nil {
		return classify(c.Name(), "authenticate", err)
	}
	c.service = service
	return nil
}

// FetchWindow fetches every event starting in the window from the configured calendar.
func (c *CalendarClient) FetchWindow(ctx context.Context, start, end time.Time) ([]models.RemoteEvent, error) {
	if c.service == nil {
		return nil, errNotAuthenticated(c.Name(), "fetch")
	}
	c.logger.Debug("Fetching events", "calendarID", c.cfg.CalendarID, "start", start, "end", end)

	window := models.Window{Start: start, End: end}
	var events []models.RemoteEvent
	err := c.service.Events.List(c.cfg.CalendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			// timeMin matches overlap; the engine's window is by start time.
			for _, re := range toRemoteEvents(page.Items) {
				if window.Contains(re.Start) {
					events = append(events, re)
				}
			}
			return nil
		})
	if err != nil {
		return nil, classify(c.Name(), "fetch", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(events), "calendarID", c.cfg.CalendarID)
	return events, nil
}

// Get looks up one event by id. Deleted and cancelled events are reported as not found.
func (c *CalendarClient) Get(ctx context.Context, externalID string) (models.RemoteEvent, error) {
	if c.service == nil {
		return models.RemoteEvent{}, errNotAuthenticated(c.Name(), "get")
	}
	item, err := c.service.Events.Get(c.cfg.CalendarID, externalID).Context(ctx).Do()
	if err != nil {
		return models.RemoteEvent{}, classify(c.Name(), "get", err)
	}
	if item.Status == "cancelled" {
		return models.RemoteEvent{}, provider.NewError(c.Name(), "get", provider.KindNotFound,
			fmt.Errorf("event %s is cancelled", externalID))
	}
	events := toRemoteEvents([]*calendar.Event{item})
	if len(events) == 0 {
		return models.RemoteEvent{}, provider.NewError(c.Name(), "get", provider.KindPermanent,
			fmt.Errorf("event %s has no usable start or end", externalID))
	}
	return events[0], nil
}

// Create inserts the event into the configured calendar.
func (c *CalendarClient) Create(ctx context.Context, event models.RemoteEvent) (provider.PushResult, error) {
	if c.service == nil {
		return provider.PushResult{}, errNotAuthenticated(c.Name(), "create")
	}
	created, err := c.service.Events.Insert(c.cfg.CalendarID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return provider.PushResult{}, classify(c.Name(), "create", err)
	}
	c.logger.Info("Created event in Google Calendar", "title", event.Title, "id", created.Id)
	return provider.PushResult{ExternalID: created.Id, Link: created.HtmlLink, UpdatedAt: created.Updated}, nil
}

// Update patches the remote event with the local fields.
func (c *CalendarClient) Update(ctx context.Context, externalID string, event models.RemoteEvent) (provider.PushResult, error) {
	if c.service == nil {
		return provider.PushResult{}, errNotAuthenticated(c.Name(), "update")
	}
	patch := toGoogleEvent(event)
	// Clearing a field only reaches the API when it is forced.
	patch.ForceSendFields = []string{"Summary", "Description", "Location", "Attendees"}
	updated, err := c.service.Events.Patch(c.cfg.CalendarID, externalID, patch).Context(ctx).Do()
	if err != nil {
		return provider.PushResult{}, classify(c.Name(), "update", err)
	}
	c.logger.Info("Updated event in Google Calendar", "title", event.Title, "id", externalID)
	return provider.PushResult{ExternalID: updated.Id, Link: updated.HtmlLink, UpdatedAt: updated.Updated}, nil
}

// Delete removes the remote event; an event that is already gone counts as deleted.
func (c *CalendarClient) Delete(ctx context.Context, externalID string) error {
	if c.service == nil {
		return errNotAuthenticated(c.Name(), "delete")
	}
	err := c.service.Events.Delete(c.cfg.CalendarID, externalID).Context(ctx).Do()
	if err != nil {
		classified := classify(c.Name(), "delete", err)
		if provider.IsNotFound(classified) {
			return nil
		}
		return classified
	}
	c.logger.Info("Deleted event from Google Calendar", "id", externalID)
	return nil
}

// toRemoteEvents converts Google Calendar events to the provider-neutral model.
func toRemoteEvents(googleEvents []*calendar.Event) []models.RemoteEvent {
	var events []models.RemoteEvent
	for _, item := range googleEvents {
		if item.Start == nil || item.End == nil || item.Status == "cancelled" {
			continue
		}
		startTime, err := parseEventDateTime(item.Start)
		if err != nil {
			continue
		}
		endTime, err := parseEventDateTime(item.End)
		if err != nil {
			continue
		}

		var attendees []string
		for _, a := range item.Attendees {
			switch {
			case a.Email != "":
				attendees = append(attendees, a.Email)
			case a.DisplayName != "":
				attendees = append(attendees, a.DisplayName)
			}
		}

		events = append(events, models.RemoteEvent{
			Provider:    models.ProviderGoogle,
			ExternalID:  item.Id,
			Title:       item.Summary,
			Description: item.Description,
			Start:       startTime,
			End:         endTime,
			Location:    item.Location,
			Attendees:   attendees,
			Link:        item.HtmlLink,
			UpdatedAt:   item.Updated,
		})
	}
	return events
}

// parseEventDateTime reads timed events from DateTime and all-day events from Date.
func parseEventDateTime(dt *calendar.EventDateTime) (time.Time, error) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t.UTC(), err
	}
	if dt.Date != "" {
		return time.Parse(time.DateOnly, dt.Date)
	}
	return time.Time{}, fmt.Errorf("event has neither dateTime nor date")
}

func toGoogleEvent(event models.RemoteEvent) *calendar.Event {
	ge := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       &calendar.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &calendar.EventDateTime{DateTime: event.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	for _, email := range event.Attendees {
		ge.Attendees = append(ge.Attendees, &calendar.EventAttendee{Email: email})
	}
	return ge
}

// classify maps Google API failures onto provider error kinds.
func classify(p models.Provider, op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return provider.NewError(p, op, provider.KindForStatus(apiErr.Code), err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return provider.NewError(p, op, provider.KindAuthentication, err)
	}
	return provider.NewError(p, op, provider.KindOf(err), err)
}

func errNotAuthenticated(p models.Provider, op string) error {
	return provider.NewError(p, op, provider.KindAuthentication, errors.New("client is not authenticated"))
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret, credentialsFile string) (*oauth2.Config, error) {
	if credentialsFile == "" {
		credentialsFile = defaultCredentialsFile
	}
	return getOAuthConfig(clientID, clientSecret, credentialsFile)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit client credentials over a local credentials file.
func getOAuthConfig(clientID, clientSecret, credentialsFile string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("%s not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or place the credentials file in the working directory", credentialsFile)
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarEventsScope, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
