// Package gateway is the single entry point for encrypted hub calls:
// it decrypts an inbound envelope, decodes the wrapped method
// invocation, dispatches it through a HandlerRegistry, and seals the
// result.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/titan-crypt/internal/cryptosession"
	"github.com/jaydenbeard/titan-crypt/internal/envelope"
	"github.com/jaydenbeard/titan-crypt/internal/metrics"
)

// Gateway binds one business hub's HandlerRegistry to the session
// Manager and its Enforcement Filter.
type Gateway struct {
	manager  *cryptosession.Manager
	registry *HandlerRegistry
	filter   *Filter
}

// New builds a Gateway for one hub.
func New(manager *cryptosession.Manager, registry *HandlerRegistry, filter *Filter) *Gateway {
	return &Gateway{manager: manager, registry: registry, filter: filter}
}

// DispatchEncrypted implements the reserved "__encrypted__" handler
// body described in §4.5: open, decode, look up, invoke, seal.
func (g *Gateway) DispatchEncrypted(ctx context.Context, userID string, env *envelope.SecureEnvelope) (*envelope.SecureEnvelope, error) {
	if userID == "" {
		metrics.RecordGatewayInvocation(ReservedTarget, "auth_required")
		return nil, ErrAuthRequired
	}

	plaintext, err := g.manager.Open(ctx, userID, env)
	if err != nil {
		metrics.RecordGatewayInvocation(ReservedTarget, "security_failure")
		return nil, fmt.Errorf("%w: %v", ErrSecurityFailure, err)
	}

	inv, err := envelope.DecodeInvocation(plaintext)
	if err != nil {
		metrics.RecordGatewayInvocation(ReservedTarget, "security_failure")
		return nil, fmt.Errorf("%w: %v", ErrSecurityFailure, err)
	}

	if inv.Target == ReservedTarget {
		metrics.RecordGatewayInvocation(inv.Target, "reserved_target")
		return nil, ErrReservedTarget
	}

	entry, ok := g.registry.lookup(inv.Target)
	if !ok {
		metrics.RecordGatewayInvocation(inv.Target, "unknown_target")
		return nil, ErrUnknownTarget
	}

	args, err := decodeArgs(inv.Payload, entry.arity)
	if err != nil {
		metrics.RecordGatewayInvocation(inv.Target, "arity_mismatch")
		return nil, err
	}

	result, err := entry.fn(Context{UserID: userID}, args)
	if err != nil {
		metrics.RecordGatewayInvocation(inv.Target, "handler_error")
		return nil, err
	}

	if result == nil {
		metrics.RecordGatewayInvocation(inv.Target, "ok_void")
		return nil, nil
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	sealed, err := g.manager.Seal(ctx, userID, serialized, env.KeyID)
	if err != nil {
		metrics.RecordGatewayInvocation(inv.Target, "seal_failure")
		return nil, err
	}

	metrics.RecordGatewayInvocation(inv.Target, "ok")
	return sealed, nil
}

// DispatchPlain invokes a handler directly with no envelope, after
// checking the Enforcement Filter. Used for calls that arrive outside
// the encrypted gateway — either because encryption is off, or because
// the target is an exempt meta-handler.
func (g *Gateway) DispatchPlain(ctx context.Context, userID, target string, payload []byte) (interface{}, error) {
	hasSession := userID != "" && g.manager.IsEnabled(userID)
	if err := g.filter.Check(target, g.registry, hasSession); err != nil {
		metrics.RecordGatewayInvocation(target, "filter_rejected")
		return nil, err
	}

	entry, ok := g.registry.lookup(target)
	if !ok {
		metrics.RecordGatewayInvocation(target, "unknown_target")
		return nil, ErrUnknownTarget
	}

	args, err := decodeArgs(payload, entry.arity)
	if err != nil {
		metrics.RecordGatewayInvocation(target, "arity_mismatch")
		return nil, err
	}

	result, err := entry.fn(Context{UserID: userID}, args)
	if err != nil {
		metrics.RecordGatewayInvocation(target, "handler_error")
		return nil, err
	}
	metrics.RecordGatewayInvocation(target, "ok")
	return result, nil
}

// decodeArgs splits an invocation payload into per-argument raw JSON
// values per §4.5 rule 5: single-argument handlers take the payload
// directly, multi-argument handlers require a JSON array of matching
// arity.
func decodeArgs(payload []byte, arity int) ([]RawArg, error) {
	if arity == 0 {
		return nil, nil
	}
	if arity == 1 {
		return []RawArg{RawArg(payload)}, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil || len(arr) != arity {
		return nil, ErrArityMismatch
	}
	out := make([]RawArg, arity)
	for i, v := range arr {
		out[i] = RawArg(v)
	}
	return out, nil
}
