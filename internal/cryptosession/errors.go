package cryptosession

import "errors"

// Error kinds from the session crypto core's error taxonomy. These are
// sentinel values rather than typed exceptions so callers can use
// errors.Is against them regardless of any wrapping.
var (
	ErrNoSession            = errors.New("cryptosession: no session for user")
	ErrUnknownKey           = errors.New("cryptosession: envelope key_id matches neither current nor previous key")
	ErrPreviousKeyExpired   = errors.New("cryptosession: previous key grace period has expired")
	ErrTimestampOutOfWindow = errors.New("cryptosession: envelope timestamp outside replay window")
	ErrSequenceRegression   = errors.New("cryptosession: sequence number is not strictly increasing")
	ErrInvalidSignature     = errors.New("cryptosession: envelope signature verification failed")
	ErrNoPendingRotation    = errors.New("cryptosession: no rotation is pending for this session")
)
