package taostats

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp decodes the upstream API's assorted timestamp encodings:
// ISO-8601 with trailing Z, ISO with numeric offset, either with optional
// fractional seconds, and numeric Unix seconds as an integer, float or
// decimal string. All values normalize to UTC. An unparseable timestamp
// is a decode failure, never a silent zero.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return fmt.Errorf("timestamp is empty")
	}

	// Unquoted JSON number: Unix seconds, possibly fractional.
	if !strings.HasPrefix(s, `"`) {
		return t.fromUnixString(s)
	}

	s = strings.Trim(s, `"`)

	// Quoted digits are Unix seconds too ("1717430400" or "1717430400.5").
	if isNumeric(s) {
		return t.fromUnixString(s)
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}

	return fmt.Errorf("unparseable timestamp %q", s)
}

// MarshalJSON implements json.Marshaler, always emitting UTC RFC3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339) + `"`), nil
}

func (t *Timestamp) fromUnixString(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("unparseable unix timestamp %q", s)
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	t.Time = time.Unix(sec, nsec).UTC()
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' && i > 0 {
			continue
		}
		if r == '-' && i == 0 {
			continue
		}
		return false
	}
	return true
}
