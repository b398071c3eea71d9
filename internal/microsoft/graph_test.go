package microsoft

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/models"
	"calsync/internal/provider"
)

func newTestClient(t *testing.T, mux *http.ServeMux, user string) *GraphClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(slog.New(slog.DiscardHandler), Config{
		UserID:     user,
		BaseURL:    srv.URL + "/v1.0/",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, c.Authenticate(context.Background()))
	return c
}

func TestFetchWindowFollowsNextLink(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("GET /v1.0/users/alice@example.com/calendarView", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `outlook.timezone="UTC", outlook.body-content-type="text"`, r.Header.Get("Prefer"))
		assert.Equal(t, "2025-10-13T00:00:00Z", r.URL.Query().Get("startDateTime"))
		assert.Equal(t, "2025-10-21T00:00:00Z", r.URL.Query().Get("endDateTime"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{
				"id":                   "AAMk-1",
				"subject":              "Planning",
				"body":                 map[string]string{"contentType": "text", "content": "agenda"},
				"start":                map[string]string{"dateTime": "2025-10-13T09:00:00.0000000", "timeZone": "UTC"},
				"end":                  map[string]string{"dateTime": "2025-10-13T10:00:00.0000000", "timeZone": "UTC"},
				"location":             map[string]string{"displayName": "Room 4"},
				"attendees":            []map[string]any{{"emailAddress": map[string]string{"address": "bob@example.com", "name": "Bob"}}},
				"webLink":              "https://outlook.office.com/1",
				"lastModifiedDateTime": "2025-10-12T08:00:00Z",
			}},
			"@odata.nextLink": srvURL + "/page2",
		})
	})
	mux.HandleFunc("GET /page2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{
					"id":          "AAMk-2",
					"subject":     "Cancelled",
					"start":       map[string]string{"dateTime": "2025-10-14T09:00:00", "timeZone": "UTC"},
					"end":         map[string]string{"dateTime": "2025-10-14T10:00:00", "timeZone": "UTC"},
					"isCancelled": true,
				},
				{
					"id":      "AAMk-0",
					"subject": "Overnight",
					"start":   map[string]string{"dateTime": "2025-10-12T22:00:00", "timeZone": "UTC"},
					"end":     map[string]string{"dateTime": "2025-10-13T02:00:00", "timeZone": "UTC"},
				},
				{
					"id":      "AAMk-3",
					"subject": "Retro",
					"start":   map[string]string{"dateTime": "2025-10-15T16:00:00", "timeZone": "Europe/Berlin"},
					"end":     map[string]string{"dateTime": "2025-10-15T17:00:00", "timeZone": "Europe/Berlin"},
				},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	c := NewClient(slog.New(slog.DiscardHandler), Config{UserID: "alice@example.com", BaseURL: srv.URL + "/v1.0", HTTPClient: srv.Client()})
	require.NoError(t, c.Authenticate(context.Background()))

	start := time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC)
	events, err := c.FetchWindow(context.Background(), start, start.AddDate(0, 0, 8))
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, models.ProviderMicrosoft, first.Provider)
	assert.Equal(t, "AAMk-1", first.ExternalID)
	assert.Equal(t, "Planning", first.Title)
	assert.Equal(t, "agenda", first.Description)
	assert.Equal(t, "Room 4", first.Location)
	assert.Equal(t, []string{"bob@example.com"}, first.Attendees)
	assert.Equal(t, time.Date(2025, 10, 13, 9, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, "2025-10-12T08:00:00Z", first.UpdatedAt)

	assert.Equal(t, "AAMk-3", events[1].ExternalID)
	assert.Equal(t, time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC), events[1].Start)
}

func TestGetReportsDeletedEventsAsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.0/me/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "moved":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":                   "moved",
				"subject":              "Planning",
				"start":                map[string]string{"dateTime": "2025-11-13T09:00:00", "timeZone": "UTC"},
				"end":                  map[string]string{"dateTime": "2025-11-13T10:00:00", "timeZone": "UTC"},
				"lastModifiedDateTime": "2025-10-13T08:00:00Z",
			})
		case "cancelled":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "cancelled", "isCancelled": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, mux, "")

	ev, err := c.Get(context.Background(), "moved")
	require.NoError(t, err)
	assert.Equal(t, "Planning", ev.Title)
	assert.Equal(t, time.Date(2025, 11, 13, 9, 0, 0, 0, time.UTC), ev.Start)

	_, err = c.Get(context.Background(), "cancelled")
	assert.True(t, provider.IsNotFound(err))

	_, err = c.Get(context.Background(), "missing")
	assert.True(t, provider.IsNotFound(err))
}

func TestCreatePostsEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/me/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got graphEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Standup", got.Subject)
		assert.Equal(t, "2025-10-13T09:00:00", got.Start.DateTime)
		assert.Equal(t, "UTC", got.Start.TimeZone)
		require.Len(t, got.Attendees, 1)
		assert.Equal(t, "carol@example.com", got.Attendees[0].EmailAddress.Address)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                   "AAMk-new",
			"webLink":              "https://outlook.office.com/new",
			"lastModifiedDateTime": "2025-10-13T07:00:00Z",
		})
	})
	c := newTestClient(t, mux, "")

	start := time.Date(2025, 10, 13, 9, 0, 0, 0, time.UTC)
	res, err := c.Create(context.Background(), models.RemoteEvent{
		Title:     "Standup",
		Start:     start,
		End:       start.Add(15 * time.Minute),
		Attendees: []string{"carol@example.com", "Not An Address"},
	})
	require.NoError(t, err)
	assert.Equal(t, provider.PushResult{
		ExternalID: "AAMk-new",
		Link:       "https://outlook.office.com/new",
		UpdatedAt:  "2025-10-13T07:00:00Z",
	}, res)
}

func TestUpdatePatchesEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /v1.0/me/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAMk-1", r.PathValue("id"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"subject":"Renamed"`)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "AAMk-1", "lastModifiedDateTime": "2025-10-13T07:30:00Z"})
	})
	c := newTestClient(t, mux, "")

	res, err := c.Update(context.Background(), "AAMk-1", models.RemoteEvent{Title: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "AAMk-1", res.ExternalID)
	assert.Equal(t, "2025-10-13T07:30:00Z", res.UpdatedAt)
}

func TestDeleteStatuses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1.0/me/events/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("DELETE /v1.0/me/events/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /v1.0/me/events/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newTestClient(t, mux, "")

	assert.NoError(t, c.Delete(context.Background(), "gone"))
	assert.NoError(t, c.Delete(context.Background(), "ok"))
	err := c.Delete(context.Background(), "busy")
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestUnauthorizedIsAuthenticationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.0/me/calendarView", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, mux, "")

	_, err := c.FetchWindow(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.True(t, provider.IsAuthentication(err))
}

func TestAuthenticateRequiresCredentials(t *testing.T) {
	c := NewClient(slog.New(slog.DiscardHandler), Config{})
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsAuthentication(err))

	_, err = c.FetchWindow(context.Background(), time.Now(), time.Now())
	assert.True(t, provider.IsAuthentication(err))
}
