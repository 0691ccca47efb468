package gateway

// Filter is the Enforcement Filter layered around the gateway: it
// decides whether a call may proceed in plaintext, must go through the
// encrypted gateway, or must be rejected outright.
type Filter struct {
	enabled  bool
	required bool
}

// NewFilter builds a Filter from the two policy flags advertised by
// get_config.
func NewFilter(enabled, required bool) *Filter {
	return &Filter{enabled: enabled, required: required}
}

// Check evaluates one call attempt against the Enforcement Filter's
// rules. target is the handler name being called outside the encrypted
// gateway; registry supplies the meta-handler allow-list.
func (f *Filter) Check(target string, registry *HandlerRegistry, hasSession bool) error {
	if !f.enabled {
		return nil
	}
	if target == ReservedTarget || registry.IsExempt(target) {
		return nil
	}
	if !hasSession {
		if f.required {
			return ErrEncryptionRequired
		}
		return nil
	}
	if f.required {
		return ErrUseEncryptedGateway
	}
	return nil
}
