package chatlog

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"mvdan.cc/xurls/v2"

	"github.com/you/chatlens/internal/core"
)

var (
	mediaPlaceholderRe = regexp.MustCompile(`^(?:동영상|사진|사진 [0-9]{1,2}장)$`)
	tokenRe            = regexp.MustCompile(`[가-힣a-zA-Z]{2,}`)
	urlRe              = xurls.Relaxed()
)

var stopwords = map[string]struct{}{
	"이모티콘": {}, "사진": {}, "동영상": {}, "것": {}, "거": {}, "수": {}, "좀": {}, "더": {},
	"이": {}, "저": {}, "그": {}, "그리고": {}, "등": {}, "ㅋㅋ": {}, "ㅎㅎ": {},
}

// IsStopword reports whether word is excluded from token counts.
func IsStopword(word string) bool {
	_, ok := stopwords[word]
	return ok
}

// IsMediaPlaceholder reports whether text is a photo/video placeholder line
// such as "사진" or "사진 3장".
func IsMediaPlaceholder(text string) bool {
	return mediaPlaceholderRe.MatchString(text)
}

// ExtractTokens returns lowercased Hangul/Latin words of at least two letters.
// Stopwords are checked against the original spelling.
func ExtractTokens(text string) []string {
	words := tokenRe.FindAllString(text, -1)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if IsStopword(w) {
			continue
		}
		out = append(out, strings.ToLower(w))
	}
	return out
}

// ExtractURLs returns URLs in text order, with or without a scheme.
func ExtractURLs(text string) []string {
	urls := urlRe.FindAllString(text, -1)
	if urls == nil {
		return []string{}
	}
	return urls
}

// Derive builds a record and computes every derived feature once.
func Derive(ts time.Time, user, text string) core.ChatRecord {
	return core.ChatRecord{
		Timestamp:          ts,
		User:               user,
		Text:               text,
		Year:               ts.Year(),
		Month:              int(ts.Month()),
		Day:                ts.Day(),
		Weekday:            ts.Weekday().String(),
		Hour:               ts.Hour(),
		MessageLength:      utf8.RuneCountInString(text),
		WordCount:          len(strings.Fields(text)),
		IsMediaPlaceholder: IsMediaPlaceholder(text),
		Nonverbal:          ExtractNonverbal(text),
		URLs:               ExtractURLs(text),
		Tokens:             ExtractTokens(text),
	}
}
