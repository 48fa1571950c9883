package remote

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// errorBody is the JSON shape of a non-2xx service response. Every field is
// optional.
type errorBody struct {
	Error            string    `json:"error"`
	Reason           string    `json:"reason"`
	NextCollectionAt Timestamp `json:"nextCollectionAt"`
}

// parseErrorBody decodes data leniently; a body that is not JSON yields the
// zero value.
func parseErrorBody(data []byte) errorBody {
	var eb errorBody
	if len(bytes.TrimSpace(data)) == 0 {
		return eb
	}
	if err := json.Unmarshal(data, &eb); err != nil {
		return errorBody{}
	}
	return eb
}

// Timestamp is the service's nextCollectionAt value. It accepts epoch
// milliseconds (as a number or numeric string) or an RFC 3339 string.
// Anything else decodes to an unset Timestamp instead of an error, so one
// bad field never hides the rest of the body.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if representableMillis(ms) {
			*t = Timestamp{Time: time.UnixMilli(int64(ms)), Valid: true}
		}
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = Timestamp{Time: ts, Valid: true}
	}
	return nil
}

// representableMillis rejects NaN, infinities and values outside int64,
// whose conversion to int64 is platform dependent.
func representableMillis(ms float64) bool {
	return !math.IsNaN(ms) && ms >= -(1<<63) && ms < 1<<63
}

// Until returns the time from now until t, floored at zero.
func (t Timestamp) Until(now time.Time) time.Duration {
	d := t.Time.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
