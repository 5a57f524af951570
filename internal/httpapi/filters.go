package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatlens/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing records.
type Order string

const (
	// OrderDesc returns records newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns records oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for record lookups.
type Filters struct {
	Users        []string
	Since        *time.Time
	Until        *time.Time
	MediaOnly    bool
	HasNonverbal bool
	HasURL       bool
	Limit        int
	Order        Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		parsed, err := parseInstant(raw)
		if err != nil {
			return Filters{}, errors.New("invalid since parameter")
		}
		f.Since = &parsed
	}

	if raw := values.Get("until"); raw != "" {
		parsed, err := parseInstant(raw)
		if err != nil {
			return Filters{}, errors.New("invalid until parameter")
		}
		f.Until = &parsed
	}

	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return Filters{}, errors.New("until must not be before since")
	}

	for key, dst := range map[string]*bool{
		"media":     &f.MediaOnly,
		"nonverbal": &f.HasNonverbal,
		"url":       &f.HasURL,
	} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Filters{}, errors.New(key + " must be a boolean")
		}
		*dst = v
	}

	if users := values["user"]; len(users) > 0 {
		seen := make(map[string]struct{})
		for _, raw := range users {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				lowered := strings.ToLower(part)
				if _, exists := seen[lowered]; !exists {
					f.Users = append(f.Users, lowered)
					seen[lowered] = struct{}{}
				}
			}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

// parseInstant accepts RFC 3339, a bare date, Unix seconds, or a duration
// counted back from now.
func parseInstant(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time")
}

// Matches reports whether the provided record satisfies the filters.
func (f Filters) Matches(rec core.ChatRecord) bool {
	if len(f.Users) > 0 {
		user := strings.ToLower(rec.User)
		match := false
		for _, u := range f.Users {
			if strings.Contains(user, strings.ToLower(u)) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && rec.Timestamp.Before(f.Since.UTC()) {
		return false
	}
	if f.Until != nil && !rec.Timestamp.Before(f.Until.UTC()) {
		return false
	}
	if f.MediaOnly && !rec.IsMediaPlaceholder {
		return false
	}
	if f.HasNonverbal && len(rec.Nonverbal) == 0 {
		return false
	}
	if f.HasURL && len(rec.URLs) == 0 {
		return false
	}
	return true
}
