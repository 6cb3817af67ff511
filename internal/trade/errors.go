package trade

import "fmt"

// InvariantError reports a broken core guarantee, such as two non-terminal
// trades for one (symbol, exchange). It is fatal: the control loop halts
// instead of guessing which state to keep.
type InvariantError struct {
	Symbol string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("trade invariant violated for %s: %s", e.Symbol, e.Detail)
}
