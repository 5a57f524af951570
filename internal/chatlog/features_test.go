package chatlog

import (
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestExtractTokens(t *testing.T) {
	got := ExtractTokens("Hello 세계! a b 그리고 사진 ABC123def")
	want := []string{"hello", "세계", "abc", "def"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractTokensOnlyLetterRuns(t *testing.T) {
	inputs := []string{
		"ㅋㅋㅋ 진짜 웃기다 ㅎㅎ",
		"https://example.com/path?q=1 링크 확인",
		"a1b2c3 x y z 가 나다",
		"(웃음) :) ^^ 이모티콘",
	}
	for _, in := range inputs {
		for _, tok := range ExtractTokens(in) {
			if utf8.RuneCountInString(tok) < 2 {
				t.Fatalf("%q: token %q shorter than 2", in, tok)
			}
			for _, r := range tok {
				if !unicode.IsLetter(r) {
					t.Fatalf("%q: token %q has non-letter %q", in, tok, r)
				}
			}
			if IsStopword(tok) {
				t.Fatalf("%q: stopword %q leaked", in, tok)
			}
		}
	}
}

func TestIsMediaPlaceholder(t *testing.T) {
	tests := map[string]bool{
		"사진":     true,
		"동영상":    true,
		"사진 3장":  true,
		"사진 12장": true,
		"사진 123장": false,
		"사진 보내줘": false,
		" 사진":    false,
		"이모티콘":   false,
	}
	for in, want := range tests {
		if got := IsMediaPlaceholder(in); got != want {
			t.Fatalf("IsMediaPlaceholder(%q) = %t, want %t", in, got, want)
		}
	}
}

func TestExtractURLs(t *testing.T) {
	got := ExtractURLs("see https://example.com/a and naver.com")
	want := []string{"https://example.com/a", "naver.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("urls mismatch (-want +got):\n%s", diff)
	}
	if urls := ExtractURLs("no links here"); urls == nil || len(urls) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", urls)
	}
}
