package chatlog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	numericDateRe = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})(.*)$`)
	koreanDateRe  = regexp.MustCompile(`^(\d{4})\s*(?:년|\.)\s*(\d{1,2})\s*(?:월|\.)\s*(\d{1,2})\s*(?:일|\.)?\s*(?:\([^)]*\)\s*)?(오전|오후)?\s*(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	unixSecondsRe = regexp.MustCompile(`^\d{10}$`)
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
}

// ParseTimestamp parses chat export timestamps permissively. Naive values are
// read as UTC wall-clock time. It reports false for anything it cannot read.
func ParseTimestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	if m := koreanDateRe.FindStringSubmatch(s); m != nil {
		return parseKorean(m)
	}

	if unixSecondsRe.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0).UTC(), true
	}

	m := numericDateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	rest := m[4]

	// 24:00 means midnight at the end of the day.
	rollover := false
	if strings.HasPrefix(strings.TrimLeft(rest, " T"), "24:00") {
		trimmed := strings.TrimLeft(rest, " T")
		tail := strings.TrimPrefix(strings.TrimPrefix(trimmed, "24:00"), ":00")
		if tail == "" {
			rest = " 00:00"
			rollover = true
		}
	}

	candidate := fmt.Sprintf("%s-%02d-%02d%s", m[1], month, day, rest)
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, candidate)
		if err != nil {
			continue
		}
		if rollover {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	}
	return time.Time{}, false
}

func parseKorean(m []string) (time.Time, bool) {
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[5])
	minute, _ := strconv.Atoi(m[6])
	second := 0
	if m[7] != "" {
		second, _ = strconv.Atoi(m[7])
	}

	switch m[4] {
	case "오후":
		if hour < 12 {
			hour += 12
		}
	case "오전":
		if hour == 12 {
			hour = 0
		}
	}

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes 2월 30일 into March; reject instead.
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
