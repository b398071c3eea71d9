// Package microsoft talks to Outlook calendars through the Microsoft Graph REST API.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"

	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"
	graphDateTime  = "2006-01-02T15:04:05"
	pageSize       = 100
)

// Config holds the Azure AD application used for client-credentials access.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// UserID selects the mailbox; application permissions cannot use /me.
	UserID  string
	BaseURL string
	// HTTPClient, when set, is used as-is instead of performing the token flow.
	HTTPClient *http.Client
}

// GraphClient is a client for the calendar of one Microsoft 365 mailbox.
type GraphClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Graph calendar client. No network traffic happens until Authenticate.
func NewClient(logger *slog.Logger, cfg Config) *GraphClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &GraphClient{cfg: cfg, logger: logger.With("provider", models.ProviderMicrosoft)}
}

// Name implements provider.Client.
func (c *GraphClient) Name() models.Provider {
	return models.ProviderMicrosoft
}

// Authenticate acquires an application token from Azure AD.
func (c *GraphClient) Authenticate(ctx context.Context) error {
	if c.cfg.HTTPClient != nil {
		c.http = c.cfg.HTTPClient
		return nil
	}
	if c.cfg.TenantID == "" || c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return provider.NewError(c.Name(), "authenticate", provider.KindAuthentication,
			errors.New("MICROSOFT_TENANT_ID, MICROSOFT_CLIENT_ID and MICROSOFT_CLIENT_SECRET are required"))
	}

	cc := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     microsoft.AzureADEndpoint(c.cfg.TenantID).TokenURL,
		Scopes:       []string{graphScope},
	}
	if _, err := cc.Token(ctx); err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return provider.NewError(c.Name(), "authenticate", provider.KindAuthentication, err)
		}
		return provider.NewError(c.Name(), "authenticate", provider.KindOf(err), err)
	}
	// The client outlives this call, so its token source must not be bound to ctx.
	c.http = cc.Client(context.Background())
	c.logger.Debug("Acquired Microsoft Graph token.")
	return nil
}

type graphDate struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEmail struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttendee struct {
	EmailAddress graphEmail `json:"emailAddress"`
	Type         string     `json:"type,omitempty"`
}

type graphEvent struct {
	ID                   string          `json:"id,omitempty"`
	Subject              string          `json:"subject"`
	Body                 *graphBody      `json:"body,omitempty"`
	Start                *graphDate      `json:"start,omitempty"`
	End                  *graphDate      `json:"end,omitempty"`
	Location             *graphLocation  `json:"location,omitempty"`
	Attendees            []graphAttendee `json:"attendees"`
	WebLink              string          `json:"webLink,omitempty"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime,omitempty"`
	IsCancelled          bool            `json:"isCancelled,omitempty"`
}

type graphPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// FetchWindow lists the calendar view for the window, following server-side paging.
func (c *GraphClient) FetchWindow(ctx context.Context, start, end time.Time) ([]models.RemoteEvent, error) {
	if c.http == nil {
		return nil, errNotAuthenticated("fetch")
	}
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$top", fmt.Sprint(pageSize))
	q.Set("$orderby", "start/dateTime")
	next := c.cfg.BaseURL + c.mailbox() + "/calendarView?" + q.Encode()

	window := models.Window{Start: start, End: end}
	var events []models.RemoteEvent
	for next != "" {
		var page graphPage
		if err := c.do(ctx, "fetch", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, ge := range page.Value {
			// calendarView matches overlap; the engine's window is by start time.
			if re, ok := toRemoteEvent(ge); ok && window.Contains(re.Start) {
				events = append(events, re)
			}
		}
		next = page.NextLink
	}

	c.logger.Info("Successfully fetched events from Microsoft Graph", "count", len(events))
	return events, nil
}

// Get looks up one event by id. Deleted and cancelled events are reported as not found.
func (c *GraphClient) Get(ctx context.Context, externalID string) (models.RemoteEvent, error) {
	if c.http == nil {
		return models.RemoteEvent{}, errNotAuthenticated("get")
	}
	var ge graphEvent
	endpoint := c.cfg.BaseURL + c.mailbox() + "/events/" + url.PathEscape(externalID)
	if err := c.do(ctx, "get", http.MethodGet, endpoint, nil, &ge); err != nil {
		return models.RemoteEvent{}, err
	}
	if ge.IsCancelled {
		return models.RemoteEvent{}, provider.NewError(c.Name(), "get", provider.KindNotFound,
			fmt.Errorf("event %s is cancelled", externalID))
	}
	re, ok := toRemoteEvent(ge)
	if !ok {
		return models.RemoteEvent{}, provider.NewError(c.Name(), "get", provider.KindPermanent,
			fmt.Errorf("event %s has no usable start or end", externalID))
	}
	return re, nil
}

// Create posts a new event to the mailbox calendar.
func (c *GraphClient) Create(ctx context.Context, event models.RemoteEvent) (provider.PushResult, error) {
	if c.http == nil {
		return provider.PushResult{}, errNotAuthenticated("create")
	}
	var created graphEvent
	if err := c.do(ctx, "create", http.MethodPost, c.cfg.BaseURL+c.mailbox()+"/events", toGraphEvent(event), &created); err != nil {
		return provider.PushResult{}, err
	}
	if created.ID == "" {
		return provider.PushResult{}, provider.NewError(c.Name(), "create", provider.KindPermanent, errors.New("response carried no event id"))
	}
	c.logger.Info("Created event in Microsoft Graph", "title", event.Title, "id", created.ID)
	return provider.PushResult{ExternalID: created.ID, Link: created.WebLink, UpdatedAt: created.LastModifiedDateTime}, nil
}

// Update patches the remote event with the local fields.
func (c *GraphClient) Update(ctx context.Context, externalID string, event models.RemoteEvent) (provider.PushResult, error) {
	if c.http == nil {
		return provider.PushResult{}, errNotAuthenticated("update")
	}
	var updated graphEvent
	endpoint := c.cfg.BaseURL + c.mailbox() + "/events/" + url.PathEscape(externalID)
	if err := c.do(ctx, "update", http.MethodPatch, endpoint, toGraphEvent(event), &updated); err != nil {
		return provider.PushResult{}, err
	}
	if updated.ID == "" {
		updated.ID = externalID
	}
	c.logger.Info("Updated event in Microsoft Graph", "title", event.Title, "id", externalID)
	return provider.PushResult{ExternalID: updated.ID, Link: updated.WebLink, UpdatedAt: updated.LastModifiedDateTime}, nil
}

// Delete removes the remote event; an event that is already gone counts as deleted.
func (c *GraphClient) Delete(ctx context.Context, externalID string) error {
	if c.http == nil {
		return errNotAuthenticated("delete")
	}
	endpoint := c.cfg.BaseURL + c.mailbox() + "/events/" + url.PathEscape(externalID)
	err := c.do(ctx, "delete", http.MethodDelete, endpoint, nil, nil)
	if provider.IsNotFound(err) {
		return nil
	}
	if err == nil {
		c.logger.Info("Deleted event from Microsoft Graph", "id", externalID)
	}
	return err
}

func (c *GraphClient) mailbox() string {
	if c.cfg.UserID != "" {
		return "/users/" + url.PathEscape(c.cfg.UserID)
	}
	return "/me"
}

// do performs one Graph request and decodes the JSON response into out, if given.
func (c *GraphClient) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return provider.NewError(c.Name(), op, provider.KindPermanent, fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return provider.NewError(c.Name(), op, provider.KindPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC", outlook.body-content-type="text"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Graph request", "method", method, "url", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return provider.NewError(c.Name(), op, provider.KindAuthentication, err)
		}
		return provider.NewError(c.Name(), op, provider.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.NewError(c.Name(), op, provider.KindForStatus(resp.StatusCode),
			fmt.Errorf("graph returned %s: %s", resp.Status, strings.TrimSpace(string(detail))))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return provider.NewError(c.Name(), op, provider.KindTransient, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// toRemoteEvent converts a Graph event to the provider-neutral model.
func toRemoteEvent(ge graphEvent) (models.RemoteEvent, bool) {
	if ge.IsCancelled || ge.Start == nil || ge.End == nil {
		return models.RemoteEvent{}, false
	}
	start, err := parseGraphDate(*ge.Start)
	if err != nil {
		return models.RemoteEvent{}, false
	}
	end, err := parseGraphDate(*ge.End)
	if err != nil {
		return models.RemoteEvent{}, false
	}

	re := models.RemoteEvent{
		Provider:   models.ProviderMicrosoft,
		ExternalID: ge.ID,
		Title:      ge.Subject,
		Start:      start,
		End:        end,
		Link:       ge.WebLink,
		UpdatedAt:  ge.LastModifiedDateTime,
	}
	if ge.Body != nil {
		re.Description = ge.Body.Content
	}
	if ge.Location != nil {
		re.Location = ge.Location.DisplayName
	}
	for _, a := range ge.Attendees {
		switch {
		case a.EmailAddress.Address != "":
			re.Attendees = append(re.Attendees, a.EmailAddress.Address)
		case a.EmailAddress.Name != "":
			re.Attendees = append(re.Attendees, a.EmailAddress.Name)
		}
	}
	return re, true
}

// parseGraphDate reads Graph's zone-less dateTime in its accompanying zone.
func parseGraphDate(d graphDate) (time.Time, error) {
	loc := time.UTC
	if d.TimeZone != "" && !strings.EqualFold(d.TimeZone, "UTC") {
		if l, err := time.LoadLocation(d.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", d.DateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toGraphEvent(event models.RemoteEvent) graphEvent {
	ge := graphEvent{
		Subject:   event.Title,
		Body:      &graphBody{ContentType: "text", Content: event.Description},
		Start:     &graphDate{DateTime: event.Start.UTC().Format(graphDateTime), TimeZone: "UTC"},
		End:       &graphDate{DateTime: event.End.UTC().Format(graphDateTime), TimeZone: "UTC"},
		Location:  &graphLocation{DisplayName: event.Location},
		Attendees: []graphAttendee{},
	}
	for _, attendee := range event.Attendees {
		addr, err := mail.ParseAddress(strings.TrimSpace(attendee))
		if err != nil {
			// Graph rejects display names without an address.
			continue
		}
		ge.Attendees = append(ge.Attendees, graphAttendee{
			EmailAddress: graphEmail{Address: addr.Address, Name: addr.Name},
			Type:         "required",
		})
	}
	return ge
}

func errNotAuthenticated(op string) error {
	return provider.NewError(models.ProviderMicrosoft, op, provider.KindAuthentication, errors.New("client is not authenticated"))
}
