package deploy

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"fleetsync/internal/model"
)

// BuildItinerarySignature fingerprints the itinerary and its three group hashes as a value in
// [1, 2^32-1]. Devices compare it to detect stale group assignments.
func BuildItinerarySignature(itineraryID string, hashes map[model.GroupRole]string) uint32 {
	parts := []string{itineraryID}
	for _, role := range model.GroupRoles {
		parts = append(parts, hashes[role])
	}
	return signatureFrom(sha256.Sum256([]byte(strings.Join(parts, "|"))))
}

func signatureFrom(sum [sha256.Size]byte) uint32 {
	if v := binary.BigEndian.Uint32(sum[0:4]); v != 0 {
		return v
	}
	if v := binary.BigEndian.Uint32(sum[4:8]); v != 0 {
		return v
	}
	return 1
}
