package platform

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSampleKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; an odd prefix puts the limit inside one
	body := []byte("x" + strings.Repeat("é", sampleLimit))
	got := sample(body)
	if !utf8.ValidString(got) {
		t.Fatalf("sample split a rune: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "...") || len(got) > sampleLimit+len("...") {
		t.Fatalf("sample length %d", len(got))
	}
	if short := sample([]byte("  not found  ")); short != "not found" {
		t.Fatalf("short body: %q", short)
	}
}
