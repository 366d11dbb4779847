package federation

import "errors"

var (
	ErrMissingProperty        = errors.New("missing property")
	ErrUnprocessablePropValue = errors.New("unprocessable property value")
	// ErrUnhandled means no route matched the activity. The activity is
	// still persisted for the record.
	ErrUnhandled = errors.New("no route matched activity")
	// ErrActorMismatch is returned when the activity actor differs from the
	// actor whose signature authenticated the request.
	ErrActorMismatch = errors.New("activity actor does not match signer")
)
