package sync

import "context"

// Skip reasons reported in a result's Skipped field.
const (
	SkipLockUnavailable = "lock_unavailable"
	SkipRateBudget      = "rate_budget_exhausted"
	SkipRemoteDisabled  = "remote_disabled"
	SkipNoHead          = "no_head"
)

// Report is the outcome of one run of a direction.
type Report interface {
	// Summary is a one-line human readable description.
	Summary() string
	// SkipReason is empty when the run did its work.
	SkipReason() string
}

// Runner is one direction of the sync engine. The scheduler and the status
// surface drive directions through it.
type Runner interface {
	// Name is "outbound" or "inbound".
	Name() string
	RunOnce(ctx context.Context) (Report, error)
}
