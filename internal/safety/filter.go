// Package safety guards the tool surface: VM id filtering, confirmation
// tokens for destructive tools, and the audit log.
package safety

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrFiltered is returned by Check for a VM id the filter rejects.
var ErrFiltered = errors.New("vm is not permitted by the safety filter")

// Filter limits which VM ids tools may touch. Both lists hold filepath.Match
// globs. The denylist is checked first; a non-empty allowlist then must
// match. Empty lists allow everything.
type Filter struct {
	allowlist []string
	denylist  []string
}

func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: allowlist,
		denylist:  denylist,
	}
}

// IsAllowed reports whether vmID passes the filter. A nil filter allows all.
func (f *Filter) IsAllowed(vmID string) bool {
	if f == nil {
		return true
	}
	if matchAny(f.denylist, vmID) {
		return false
	}
	return len(f.allowlist) == 0 || matchAny(f.allowlist, vmID)
}

// Check is IsAllowed as an error wrapping ErrFiltered.
func (f *Filter) Check(vmID string) error {
	if f.IsAllowed(vmID) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrFiltered, vmID)
}

// matchAny treats malformed patterns as non-matching.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
