package icloud

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/models"
	"calsync/internal/provider"
)

var fixedNow = time.Date(2025, 10, 13, 7, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.Handler) *CalDAVClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(slog.New(slog.DiscardHandler), Config{
		Username: "user@icloud.com",
		Password: "app-password",
		Endpoint: srv.URL + "/",
		Clock:    func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	c.calendarPath = "/123/calendars/work/"
	return c
}

func TestToICalAndBack(t *testing.T) {
	start := time.Date(2025, 10, 14, 9, 30, 0, 0, time.UTC)
	ve := toICal("uid-1", models.RemoteEvent{
		Title:       "Design review",
		Description: "bring mockups",
		Location:    "Room 2",
		Start:       start,
		End:         start.Add(time.Hour),
		Attendees:   []string{"dana@example.com"},
	}, fixedNow)

	cal := ical.NewCalendar()
	cal.Children = append(cal.Children, ve)
	events := toRemoteEvents(caldav.CalendarObject{Path: "/123/calendars/work/uid-1.ics", Data: cal})
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, models.ProviderICloud, got.Provider)
	assert.Equal(t, "uid-1", got.ExternalID)
	assert.Equal(t, "Design review", got.Title)
	assert.Equal(t, "bring mockups", got.Description)
	assert.Equal(t, "Room 2", got.Location)
	assert.Equal(t, start, got.Start)
	assert.Equal(t, start.Add(time.Hour), got.End)
	assert.Equal(t, []string{"dana@example.com"}, got.Attendees)
	assert.Equal(t, "2025-10-13T07:00:00Z", got.UpdatedAt)
	assert.Equal(t, "/123/calendars/work/uid-1.ics", got.Link)
}

func TestToRemoteEventsSkipsUnusableComponents(t *testing.T) {
	cal := ical.NewCalendar()

	noUID := ical.NewComponent(ical.CompEvent)
	noUID.Props.SetDateTime(ical.PropDateTimeStart, fixedNow)
	cal.Children = append(cal.Children, noUID)

	override := ical.NewComponent(ical.CompEvent)
	override.Props.SetText(ical.PropUID, "series")
	override.Props.SetDateTime(ical.PropDateTimeStart, fixedNow)
	override.Props.SetDateTime(ical.PropRecurrenceID, fixedNow)
	cal.Children = append(cal.Children, override)

	modTime := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	bare := ical.NewComponent(ical.CompEvent)
	bare.Props.SetText(ical.PropUID, "bare")
	bare.Props.SetDateTime(ical.PropDateTimeStart, fixedNow)
	cal.Children = append(cal.Children, bare)

	events := toRemoteEvents(caldav.CalendarObject{Data: cal, ModTime: modTime})
	require.Len(t, events, 1)
	assert.Equal(t, "bare", events[0].ExternalID)
	assert.Equal(t, fixedNow, events[0].End)
	assert.Equal(t, "2025-10-01T12:00:00Z", events[0].UpdatedAt)
}

func TestCreatePutsCalendarObject(t *testing.T) {
	var gotPath, gotBody string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user@icloud.com", user)
		assert.Equal(t, "app-password", pass)
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))

	start := time.Date(2025, 10, 14, 9, 0, 0, 0, time.UTC)
	res, err := c.Create(context.Background(), models.RemoteEvent{Title: "Lunch", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ExternalID)
	assert.Equal(t, "/123/calendars/work/"+res.ExternalID+".ics", gotPath)
	assert.Equal(t, "2025-10-13T07:00:00Z", res.UpdatedAt)
	assert.Contains(t, gotBody, "SUMMARY:Lunch")
	assert.Contains(t, gotBody, "UID:"+res.ExternalID)
}

func TestDeleteTreatsMissingAsDeleted(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/123/calendars/work/gone.ics":
			w.WriteHeader(http.StatusNotFound)
		case "/123/calendars/work/locked.ics":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))

	assert.NoError(t, c.Delete(context.Background(), "gone"))
	assert.NoError(t, c.Delete(context.Background(), "present"))

	err := c.Delete(context.Background(), "locked")
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestUnauthenticatedClientRefusesCalls(t *testing.T) {
	c, err := NewClient(slog.New(slog.DiscardHandler), Config{})
	require.NoError(t, err)

	err = c.Authenticate(context.Background())
	assert.True(t, provider.IsAuthentication(err))

	_, err = c.FetchWindow(context.Background(), fixedNow, fixedNow.Add(time.Hour))
	assert.True(t, provider.IsAuthentication(err))
}

// multistatus renders a calendar-query answer holding the given objects, keyed by href.
func multistatus(t *testing.T, objects map[string]*ical.Calendar) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
	for href, cal := range objects {
		var data bytes.Buffer
		require.NoError(t, ical.NewEncoder(&data).Encode(cal))
		var escaped bytes.Buffer
		require.NoError(t, xml.EscapeText(&escaped, data.Bytes()))
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
			`<d:getetag>"1"</d:getetag><c:calendar-data>%s</c:calendar-data>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, href, escaped.String())
	}
	b.WriteString(`</d:multistatus>`)
	return b.String()
}

func TestGetFindsEventByUID(t *testing.T) {
	start := time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal("uid-moved", models.RemoteEvent{Title: "Review", Start: start, End: start.Add(time.Hour)}, fixedNow))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "REPORT", r.Method)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		if strings.Contains(string(body), "uid-moved") {
			_, _ = io.WriteString(w, multistatus(t, map[string]*ical.Calendar{"/123/calendars/work/other-name.ics": cal}))
			return
		}
		_, _ = io.WriteString(w, multistatus(t, nil))
	}))

	ev, err := c.Get(context.Background(), "uid-moved")
	require.NoError(t, err)
	assert.Equal(t, "Review", ev.Title)
	assert.Equal(t, start, ev.Start)
	assert.Equal(t, "/123/calendars/work/other-name.ics", c.objectPath("uid-moved"))

	_, err = c.Get(context.Background(), "uid-deleted")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
}
