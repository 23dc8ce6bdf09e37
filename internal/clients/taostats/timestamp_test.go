package taostats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampDecoding(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{
			name:  "ISO with trailing Z",
			input: `"2025-06-03T16:00:00Z"`,
			want:  time.Date(2025, 6, 3, 16, 0, 0, 0, time.UTC),
		},
		{
			name:  "ISO with milliseconds",
			input: `"2025-06-03T16:00:00.250Z"`,
			want:  time.Date(2025, 6, 3, 16, 0, 0, 250000000, time.UTC),
		},
		{
			name:  "ISO with numeric offset",
			input: `"2025-06-03T18:00:00+02:00"`,
			want:  time.Date(2025, 6, 3, 16, 0, 0, 0, time.UTC),
		},
		{
			name:  "unix seconds as number",
			input: `1749052800`,
			want:  time.Date(2025, 6, 4, 16, 0, 0, 0, time.UTC),
		},
		{
			name:  "unix seconds as quoted string",
			input: `"1749052800"`,
			want:  time.Date(2025, 6, 4, 16, 0, 0, 0, time.UTC),
		},
		{
			name:  "unix seconds as decimal string",
			input: `"1749052800.5"`,
			want:  time.Date(2025, 6, 4, 16, 0, 0, 500000000, time.UTC),
		},
		{
			name:  "bare date",
			input: `"2025-06-03"`,
			want:  time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.input), &ts)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(ts.Time), "got %s, want %s", ts.Time, tt.want)
			assert.Equal(t, time.UTC, ts.Time.Location())
		})
	}
}

func TestTimestampDecodingErrors(t *testing.T) {
	inputs := []string{
		`"not a timestamp"`,
		`"2025-13-45"`,
		`null`,
		`""`,
	}

	for _, input := range inputs {
		var ts Timestamp
		err := json.Unmarshal([]byte(input), &ts)
		assert.Error(t, err, "input %s should not decode", input)
	}
}

func TestTimestampMarshalRoundTrip(t *testing.T) {
	ts := Timestamp{Time: time.Date(2025, 6, 3, 16, 0, 0, 0, time.UTC)}

	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2025-06-03T16:00:00Z"`, string(data))

	var back Timestamp
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, ts.Time.Equal(back.Time))
}
