package component

import (
	"fmt"
	"time"

	"github.com/dm4ml/motion/errors"
)

// DiscardKind names an update discard policy.
type DiscardKind int

// Discard policies. Evaluation is lazy: a job is tested immediately before
// it would execute, never at enqueue time, so a burst followed by quiet
// still processes whatever is not yet stale.
const (
	// DiscardNone processes every queued update.
	DiscardNone DiscardKind = iota
	// DiscardSeconds drops a job older than Threshold seconds at
	// execution time.
	DiscardSeconds
	// DiscardNumNewUpdates drops a job when more than Threshold newer jobs
	// for the same flow are already queued behind it.
	DiscardNumNewUpdates
)

// String returns the policy name used in metric labels.
func (k DiscardKind) String() string {
	switch k {
	case DiscardNone:
		return "none"
	case DiscardSeconds:
		return "seconds"
	case DiscardNumNewUpdates:
		return "num_new_updates"
	default:
		return "unknown"
	}
}

// DiscardPolicy pairs a kind with its threshold. The zero value is
// DiscardNone.
type DiscardPolicy struct {
	Kind      DiscardKind
	Threshold int
}

// Validate rejects thresholds that contradict the kind: non-none policies
// need a positive threshold, none forbids one.
func (p DiscardPolicy) Validate() error {
	switch p.Kind {
	case DiscardNone:
		if p.Threshold != 0 {
			return errors.WrapInvalid(
				fmt.Errorf("discard policy none does not take a threshold (got %d)", p.Threshold),
				"Definition", "Update", "validate discard policy")
		}
	case DiscardSeconds, DiscardNumNewUpdates:
		if p.Threshold <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("discard policy %s requires a positive threshold (got %d)", p.Kind, p.Threshold),
				"Definition", "Update", "validate discard policy")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown discard policy kind %d", p.Kind),
			"Definition", "Update", "validate discard policy")
	}
	return nil
}

// Discards reports whether a job should be dropped, given its age at
// execution time and the count of newer jobs queued for the same flow.
func (p DiscardPolicy) Discards(age time.Duration, newerJobs int) bool {
	switch p.Kind {
	case DiscardSeconds:
		return age > time.Duration(p.Threshold)*time.Second
	case DiscardNumNewUpdates:
		// Exactly Threshold newer jobs is still within budget; only an
		// excess discards.
		return newerJobs > p.Threshold
	default:
		return false
	}
}
