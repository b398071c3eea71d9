package timestamp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsEachLayout(t *testing.T) {
	want := time.Date(2025, 10, 13, 16, 30, 0, 0, time.UTC)
	wantFrac := want.Add(123456 * time.Microsecond)

	cases := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"fractional with Z", "2025-10-13T16:30:00.123456Z", wantFrac},
		{"seconds with Z", "2025-10-13T16:30:00Z", want},
		{"fractional without zone", "2025-10-13T16:30:00.123456", wantFrac},
		{"seconds without zone", "2025-10-13T16:30:00", want},
		{"space separated fractional", "2025-10-13 16:30:00.123456", wantFrac},
		{"space separated", "2025-10-13 16:30:00", want},
		{"graph seven digit fraction", "2025-10-13T16:30:00.1234560", wantFrac},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.input)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseFallsBackToOffsets(t *testing.T) {
	got, err := Parse("2025-10-13T19:30:00+03:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 10, 13, 16, 30, 0, 0, time.UTC).Equal(got))

	got, err = Parse("2025-10-13 19:30:00.5+03:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 10, 13, 16, 30, 0, 500_000_000, time.UTC).Equal(got))

	got, err = Parse("2025-10-13")
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC).Equal(got))
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "yesterday", "13/10/2025 16:30"} {
		_, err := Parse(input)
		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr), "input %q", input)
	}
}

func TestParseOptional(t *testing.T) {
	assert.Nil(t, ParseOptional(""))
	assert.Nil(t, ParseOptional("not a time"))
	got := ParseOptional("2025-10-13T16:30:00Z")
	require.NotNil(t, got)
	assert.Equal(t, 16, got.Hour())
}
