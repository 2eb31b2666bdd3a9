package auth

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the payload minted by the authentication service.
// Controller tokens carry id, startsAt and expiresAt; device tokens carry only id.
type sessionClaims struct {
	ID               string    `json:"id"`
	SessionStartsAt  claimTime `json:"startsAt,omitempty"`
	SessionExpiresAt claimTime `json:"expiresAt,omitempty"`
	jwt.RegisteredClaims
}

var claimTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// claimTime accepts ISO-8601 strings or epoch milliseconds.
// Values that cannot be parsed decode to the zero time instead of failing the token.
type claimTime struct {
	time.Time
}

func (c *claimTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		c.Time = time.Time{}
		return nil
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		c.Time = time.Time{}
		return nil
	}

	switch v := raw.(type) {
	case string:
		c.Time = parseClaimTime(v)
	case float64:
		c.Time = time.UnixMilli(int64(v)).UTC()
	default:
		c.Time = time.Time{}
	}
	return nil
}

func (c claimTime) MarshalJSON() ([]byte, error) {
	if c.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(c.Time.UTC().Format(time.RFC3339Nano))
}

func parseClaimTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range claimTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
