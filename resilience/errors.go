package resilience

import "errors"

// Errors surfaced by resilience combinators (spec §7).
var (
	ErrCircuitOpen    = errors.New("resilience: circuit open")
	ErrBulkheadFull   = errors.New("resilience: bulkhead queue full")
	ErrHandlerTimeout = errors.New("resilience: handler timeout")
	ErrSupervisorDown = errors.New("resilience: supervised handler exceeded max restarts")
)
