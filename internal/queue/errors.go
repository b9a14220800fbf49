package queue

import "errors"

// ErrLeaseLost signals that the caller no longer owns the job it is reporting
// on: the lease expired and another worker reclaimed it. This is a normal
// concurrency-control outcome, not a fault; the correct response is to stop
// work on the job immediately.
var ErrLeaseLost = errors.New("job lease lost")

// ErrDeadLetterBlocked signals that an unresolved dead-lettered job holds the
// idempotency key. A fresh enqueue for the key is allowed only after an
// operator resolves the dead letter.
var ErrDeadLetterBlocked = errors.New("idempotency key held by unresolved dead-lettered job")

// ErrNotDeadLettered signals a resolution request against a job that is not
// in the dead-lettered state.
var ErrNotDeadLettered = errors.New("job is not dead-lettered")
