package safety

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const tokenTTL = 5 * time.Minute

// pendingConfirmation records what a token was issued for.
type pendingConfirmation struct {
	tool        string
	vmID        string
	description string
	createdAt   time.Time
}

// ConfirmationTracker issues single-use, time-limited tokens that a caller
// must echo back before a destructive tool runs. A token is only valid for
// the tool and VM it was issued for.
type ConfirmationTracker struct {
	destructive map[string]struct{}
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]*pendingConfirmation
}

// NewConfirmationTracker returns a tracker for the given destructive tool
// names. A nil or empty slice means no tool requires confirmation.
func NewConfirmationTracker(destructiveTools []string) *ConfirmationTracker {
	ct := &ConfirmationTracker{
		destructive: make(map[string]struct{}, len(destructiveTools)),
		tokens:      make(map[string]*pendingConfirmation),
		now:         time.Now,
	}
	for _, tool := range destructiveTools {
		ct.destructive[tool] = struct{}{}
	}
	return ct
}

// NeedsConfirmation reports whether tool is in the destructive-tools set.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.destructive[tool]
	return ok
}

// sweepExpired drops stale tokens. The caller must hold ct.mu.
func (ct *ConfirmationTracker) sweepExpired() {
	now := ct.now()
	for token, pending := range ct.tokens {
		if now.Sub(pending.createdAt) > tokenTTL {
			delete(ct.tokens, token)
		}
	}
}

// RequestConfirmation issues a token for running tool against vmID.
func (ct *ConfirmationTracker) RequestConfirmation(tool, vmID, description string) string {
	token := uuid.NewString()

	ct.mu.Lock()
	ct.sweepExpired()
	ct.tokens[token] = &pendingConfirmation{
		tool:        tool,
		vmID:        vmID,
		description: description,
		createdAt:   ct.now(),
	}
	ct.mu.Unlock()

	return token
}

// Confirm consumes token and reports whether it was issued for tool and vmID
// and has not expired. A token is consumed even when the check fails.
func (ct *ConfirmationTracker) Confirm(token, tool, vmID string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pending, ok := ct.tokens[token]
	if !ok {
		return false
	}
	delete(ct.tokens, token)

	if ct.now().Sub(pending.createdAt) > tokenTTL {
		return false
	}
	return pending.tool == tool && pending.vmID == vmID
}

// Pending returns the number of outstanding tokens.
func (ct *ConfirmationTracker) Pending() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.sweepExpired()
	return len(ct.tokens)
}
