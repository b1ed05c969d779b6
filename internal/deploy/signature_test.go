package deploy

import (
	"crypto/sha256"
	"testing"

	"fleetsync/internal/model"
)

func TestBuildItinerarySignature(t *testing.T) {
	hashes := map[model.GroupRole]string{model.RoleItinerary: "aaa", model.RoleTargets: "bbb", model.RoleEntry: "ccc"}
	got := BuildItinerarySignature("it1", hashes)
	if got != 1953140801 {
		t.Fatalf("signature = %d", got)
	}
	if again := BuildItinerarySignature("it1", hashes); again != got {
		t.Fatalf("not deterministic: %d vs %d", got, again)
	}
	hashes[model.RoleEntry] = "ccd"
	if BuildItinerarySignature("it1", hashes) == got {
		t.Fatalf("signature should change with the entry hash")
	}
	for _, id := range []string{"", "a", "it-2", "itinerary with spaces"} {
		if BuildItinerarySignature(id, nil) == 0 {
			t.Fatalf("zero signature for %q", id)
		}
	}
}

func TestSignatureNeverZero(t *testing.T) {
	var sum [sha256.Size]byte
	if got := signatureFrom(sum); got != 1 {
		t.Fatalf("all-zero digest: %d", got)
	}
	sum[7] = 5
	if got := signatureFrom(sum); got != 5 {
		t.Fatalf("zero prefix should use the next word: %d", got)
	}
	sum[0] = 0xff
	if got := signatureFrom(sum); got != 0xff000000 {
		t.Fatalf("first word: %d", got)
	}
}
