// Package interventions owns the intervention lifecycle: the transition
// table, the compare-and-set state machine and its persistent stores.
package interventions

import (
	"errors"
	"fmt"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

var (
	// ErrNotFound is returned when an intervention does not exist or belongs
	// to another tenant.
	ErrNotFound = store.ErrNotFound

	// ErrStaleTransition means the intervention left the expected status
	// before the write landed. Sweeps treat it as a no-op.
	ErrStaleTransition = errors.New("interventions: stale transition")

	// ErrInvalidTransition means the transition table forbids the move.
	ErrInvalidTransition = errors.New("interventions: invalid transition")

	// ErrInvalidProposal is returned for malformed proposals.
	ErrInvalidProposal = errors.New("interventions: invalid proposal")

	// ErrUnsafe means an execution precondition does not hold: the verdict
	// is not approved, or a required approval is missing from the history.
	ErrUnsafe = errors.New("interventions: execution precondition violated")
)

var transitions = map[contracts.Status][]contracts.Status{
	contracts.StatusProposed: {
		contracts.StatusBlocked,
		contracts.StatusPendingApproval,
		contracts.StatusApproved,
		contracts.StatusCancelled,
	},
	contracts.StatusPendingApproval: {
		contracts.StatusApproved,
		contracts.StatusCancelled,
	},
	contracts.StatusApproved: {
		contracts.StatusQueued,
		contracts.StatusCancelled,
	},
	contracts.StatusQueued: {
		contracts.StatusExecuting,
		contracts.StatusCancelled,
		contracts.StatusQueued,
	},
	contracts.StatusExecuting: {
		contracts.StatusCompleted,
		contracts.StatusFailed,
	},
	contracts.StatusFailed: {
		contracts.StatusQueued,
	},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to contracts.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to contracts.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// VerifyExecutable checks the execution preconditions against the status
// history: the verdict must be approved, and an intervention that requires
// approval must carry a user approval or a timeout auto-approval event.
func VerifyExecutable(in *contracts.Intervention, history []contracts.TransitionEvent) error {
	if in.Verdict != contracts.VerdictApproved {
		return fmt.Errorf("%w: %s has verdict %q", ErrUnsafe, in.ID, in.Verdict)
	}
	if !in.RequiresApproval {
		return nil
	}
	for _, ev := range history {
		if ev.To != contracts.StatusApproved {
			continue
		}
		if ev.Reason == contracts.ReasonUserApproval || ev.Reason == contracts.ReasonTimeoutApproval {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires approval and has no approval event", ErrUnsafe, in.ID)
}
