package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// UnixTime is a timestamp persisted as a decimal string of unix seconds.
// Sub-second precision is dropped on construction so that a value survives
// a serialize/deserialize round trip unchanged.
type UnixTime struct {
	time.Time
}

// NewUnixTime truncates t to whole seconds in UTC.
func NewUnixTime(t time.Time) UnixTime {
	if t.IsZero() {
		return UnixTime{}
	}
	return UnixTime{time.Unix(t.Unix(), 0).UTC()}
}

// MarshalJSON implements json.Marshaler.
func (u UnixTime) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(strconv.Quote(strconv.FormatInt(u.Unix(), 10))), nil
}

// UnmarshalJSON accepts either a quoted or a bare integer.
func (u *UnixTime) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	if s == "" || s == "null" {
		*u = UnixTime{}
		return nil
	}

	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("cache: invalid unix time %q: %w", s, err)
	}
	*u = UnixTime{time.Unix(sec, 0).UTC()}
	return nil
}
