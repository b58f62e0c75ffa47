package gateway

import (
	"fmt"
	"strings"
	"testing"
)

func TestStripTags(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello world", "hello world"},
		{"<b>bold</b>", "bold"},
		{"<script>alert(1)</script>ok", "alert(1)ok"},
		{"a < b and b > a", "a  a"}, // blunt strip, by contract
		{"<img src=x onerror=alert(1)>", ""},
	}
	for _, tc := range cases {
		if got := stripTags(tc.in); got != tc.want {
			t.Errorf("stripTags(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractMentionsDistinctAndCapped(t *testing.T) {
	got := extractMentions("hey @ana and @ben, also @ana again", maxMentions)
	if len(got) != 2 || got[0] != "ana" || got[1] != "ben" {
		t.Errorf("expected distinct mentions in order, got %v", got)
	}

	var sb strings.Builder
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&sb, "@user%d ", i)
	}
	got = extractMentions(sb.String(), maxMentions)
	if len(got) != maxMentions {
		t.Errorf("expected cap of %d mentions, got %d", maxMentions, len(got))
	}
}

func TestExtractMentionsNone(t *testing.T) {
	if got := extractMentions("no mentions here", maxMentions); len(got) != 0 {
		t.Errorf("expected no mentions, got %v", got)
	}
}

func TestExtractURLs(t *testing.T) {
	got := extractURLs("see https://example.com/a and http://other.io?q=1 end")
	if len(got) != 2 {
		t.Fatalf("expected 2 urls, got %v", got)
	}
	if got[0] != "https://example.com/a" || got[1] != "http://other.io?q=1" {
		t.Errorf("unexpected urls %v", got)
	}
}
