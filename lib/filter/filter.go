// Package filter implements the object key filter applied on every path
// that feeds keys into a manifest.
package filter

import (
	"strings"

	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// Filter decides which object keys are eligible for backup.
//
// An exclude prefix p drops a key when the key starts with p or contains p
// as a complete path segment. This is the strictest of the historic
// interpretations: p itself, p/..., and .../p/... are all dropped.
type Filter struct {
	// ExcludePrefixes drops matching keys regardless of tier.
	ExcludePrefixes []string
	// ExcludeSuffixes drops keys with a matching suffix.
	ExcludeSuffixes []string
	// AllowedPrefixes, when non-empty for a tier, retains only keys that
	// start with one of the listed prefixes.
	AllowedPrefixes map[tiers.Tier][]string
}

// Keep reports whether a key should be included in a manifest for the
// given tier.
func (f Filter) Keep(tier tiers.Tier, key string) bool {
	if key == "" {
		return false
	}
	// Folder markers carry no data.
	if strings.HasSuffix(key, "/") {
		return false
	}
	for _, p := range f.ExcludePrefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(key, p) || strings.Contains(key, "/"+p+"/") {
			return false
		}
	}
	for _, s := range f.ExcludeSuffixes {
		if s != "" && strings.HasSuffix(key, s) {
			return false
		}
	}
	if allowed := f.AllowedPrefixes[tier]; len(allowed) > 0 {
		for _, p := range allowed {
			if strings.HasPrefix(key, p) {
				return true
			}
		}
		return false
	}
	return true
}
