// ABOUTME: Assignment policy: picks one operator from a set of candidates
// ABOUTME: LeastLoaded is the default; the engine accepts any Policy

package routing

import "github.com/2389/handoff-gateway/internal/store"

// Policy chooses an operator for the next assignment. Candidates arrive in
// operator insertion order and already annotated with their load.
type Policy interface {
	SelectOperator(candidates []store.OperatorLoad) (store.OperatorLoad, bool)
}

// Eligible reports whether an operator can take one more conversation.
func Eligible(op *store.Operator, load int) bool {
	return op.Status.AcceptsWork() && load < op.MaxConcurrent
}

// LeastLoaded selects the eligible operator with the lowest current load.
// The first candidate wins ties.
type LeastLoaded struct{}

// SelectOperator implements Policy.
func (LeastLoaded) SelectOperator(candidates []store.OperatorLoad) (store.OperatorLoad, bool) {
	var best store.OperatorLoad
	found := false
	for _, c := range candidates {
		if c.Operator == nil || !Eligible(c.Operator, c.CurrentLoad) {
			continue
		}
		if !found || c.CurrentLoad < best.CurrentLoad {
			best = c
			found = true
		}
	}
	return best, found
}
