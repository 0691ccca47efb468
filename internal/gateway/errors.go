package gateway

import "errors"

// Errors returned to callers of Dispatch, matching spec.md §4.5's
// named failure cases.
var (
	ErrAuthRequired       = errors.New("gateway: authenticated user_id required")
	ErrSecurityFailure    = errors.New("gateway: envelope failed to open")
	ErrUnknownTarget      = errors.New("gateway: no handler registered for target")
	ErrReservedTarget     = errors.New("gateway: target names the reserved gateway method")
	ErrArityMismatch      = errors.New("gateway: payload arity does not match handler arguments")
	ErrEncryptionRequired = errors.New("gateway: encryption is required for this call")
	ErrUseEncryptedGateway = errors.New("gateway: call must go through the encrypted gateway")
)

// ReservedTarget is the one method name every business hub exposes for
// encrypted calls. A handler may never be registered under this name.
const ReservedTarget = "__encrypted__"
