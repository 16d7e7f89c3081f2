package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 3 * * *", false},
		{"@hourly", false},
		{"@every 90s", false},
		{"", true},
		{"not a cron", true},
		{"* * * * * *", true}, // six fields
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	from := time.Date(2025, 6, 1, 10, 2, 30, 0, time.UTC)

	r, err := Parse("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC), r.Next(from))

	r, err = Parse("@every 90s")
	require.NoError(t, err)
	assert.Equal(t, from.Add(90*time.Second), r.Next(from))

	r, err = Parse("0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), r.Next(from))
}

func TestNextIsStrictlyAfter(t *testing.T) {
	// A firing instant itself is never its own next firing.
	at := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	r, err := Parse("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, at.Add(5*time.Minute), r.Next(at))
}

func TestNextAfter(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextAfter("@hourly", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)

	_, err = NextAfter("bogus", from)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*/10 * * * *"))
	assert.Error(t, Validate("61 * * * *"))
}
