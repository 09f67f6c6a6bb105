// Package proposal extracts a structured Proposal from the free-form
// answer of the proposal agent.
package proposal

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// DefaultFeature is the label used when the answer names no feature
const DefaultFeature = "unnamed-feature"

const maxFeatureLen = 80

// keyLine matches a field header in any of the shapes agents produce:
//
//	FEATURE: x
//	**FEATURE:** x
//	**Feature**: x
//	## Implementation notes:
//	- description: x
var keyLine = regexp.MustCompile(`(?i)^\s*(?:[-*>#]+\s+)?(?:\*\*|__)?\s*(feature|description|implementation(?:[ _]notes)?|notes)\s*(?:\*\*|__)?\s*:\s*(?:\*\*|__)?\s*(.*)$`)

type field int

const (
	fieldNone field = iota
	fieldFeature
	fieldDescription
	fieldNotes
)

func fieldFor(key string) field {
	key = strings.ToLower(key)
	switch {
	case key == "feature":
		return fieldFeature
	case key == "description":
		return fieldDescription
	default:
		return fieldNotes
	}
}

// Parse never fails: missing fields yield empty values and a missing
// feature name yields DefaultFeature with FeatureDefaulted set.
func Parse(raw string) domain.Proposal {
	var (
		feature, description, notes []string
		seen                        = map[field]bool{}
		current                     = fieldNone
	)

	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		if m := keyLine.FindStringSubmatch(line); m != nil {
			f := fieldFor(m[1])
			if seen[f] {
				// only the first occurrence of a field counts
				current = fieldNone
				continue
			}
			seen[f] = true
			current = f
			line = m[2]
		}

		switch current {
		case fieldFeature:
			feature = append(feature, line)
			// the label is a single line
			current = fieldNone
		case fieldDescription:
			description = append(description, line)
		case fieldNotes:
			notes = append(notes, line)
		}
	}

	p := domain.Proposal{
		Feature:     cleanLabel(strings.Join(feature, " ")),
		Description: strings.TrimSpace(strings.Join(description, "\n")),
		Notes:       strings.TrimSpace(strings.Join(notes, "\n")),
		Raw:         raw,
	}
	if p.Feature == "" {
		p.Feature = DefaultFeature
		p.FeatureDefaulted = true
	}
	return p
}

// cleanLabel strips markdown decoration and bounds the label length
func cleanLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_`\"' ")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFeatureLen {
		s = strings.TrimSpace(string([]rune(s)[:maxFeatureLen]))
	}
	return s
}
