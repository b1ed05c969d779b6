package geosync

import (
	"fmt"
	"strings"
	"unicode"

	"fleetsync/internal/model"
)

// Naming builds remote display names.
type Naming struct {
	Friendly  bool
	Prefix    string
	MaxLength int
}

const shortIDLen = 6

// Name returns the display name for an entity. Friendly names are "<client> - <name>",
// with " [<first 6 chars of id>]" appended when another entity of the client has the same name.
// Otherwise the structured form PREFIX_client_entity_type_name is used.
func (n Naming) Name(client model.Client, entity model.EntityType, entityID, name string, duplicate bool) string {
	if !n.Friendly {
		parts := []string{n.Prefix, sanitize(client.ID), sanitize(entityID), string(entity), sanitize(name)}
		if n.Prefix == "" {
			parts = parts[1:]
		}
		return truncate(strings.Join(parts, "_"), n.MaxLength)
	}
	owner := client.Name
	if owner == "" {
		owner = client.ID
	}
	base := strings.TrimSpace(name)
	if base == "" {
		base = string(entity) + " " + entityID
	}
	if owner != "" {
		base = owner + " - " + base
	}
	suffix := ""
	if duplicate {
		suffix = " [" + shortID(entityID) + "]"
	}
	return fit(base, suffix, n.MaxLength)
}

// Group names one of an itinerary's geozone groups.
func (n Naming) Group(client model.Client, itineraryID, itineraryName string, role model.GroupRole) string {
	if !n.Friendly {
		parts := []string{n.Prefix, sanitize(client.ID), sanitize(itineraryID), "group", string(role)}
		if n.Prefix == "" {
			parts = parts[1:]
		}
		return truncate(strings.Join(parts, "_"), n.MaxLength)
	}
	owner := client.Name
	if owner == "" {
		owner = client.ID
	}
	base := strings.TrimSpace(itineraryName)
	if base == "" {
		base = "itinerary " + itineraryID
	}
	if owner != "" {
		base = owner + " - " + base
	}
	return fit(base, " ("+string(role)+")", n.MaxLength)
}

// Segment names the i-th (0-based) of total polygons of one entity.
func (n Naming) Segment(base string, i, total int) string {
	if total <= 1 {
		return truncate(base, n.MaxLength)
	}
	return fit(base, fmt.Sprintf(" (%d/%d)", i+1, total), n.MaxLength)
}

func shortID(id string) string {
	r := []rune(id)
	if len(r) > shortIDLen {
		r = r[:shortIDLen]
	}
	return string(r)
}

// fit truncates base so that base+suffix stays within max runes.
func fit(base, suffix string, max int) string {
	if max <= 0 {
		return base + suffix
	}
	room := max - len([]rune(suffix))
	if room < 1 {
		return truncate(base+suffix, max)
	}
	return strings.TrimRightFunc(truncate(base, room), unicode.IsSpace) + suffix
}

func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return string(r[:max])
}

func sanitize(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
