// Package broadcaster fans server-push messages out to many
// connections while preserving per-user confidentiality: each
// recipient with a live session gets its own sealed envelope.
package broadcaster

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/jaydenbeard/titan-crypt/internal/cryptosession"
	"github.com/jaydenbeard/titan-crypt/internal/envelope"
	"github.com/jaydenbeard/titan-crypt/internal/metrics"
)

// Sender is anything that can take a raw outbound frame. A
// *transport.Connection satisfies this.
type Sender interface {
	Send(data []byte) bool
}

// Broadcaster holds the per-hub-type connection and group registries
// described for the encrypted push fan-out.
type Broadcaster struct {
	manager *cryptosession.Manager

	enabled        bool
	required       bool
	maxConcurrency int

	mu            sync.RWMutex
	connToUser    map[string]string
	connSenders   map[string]Sender
	groupConns    map[string]map[string]struct{}
}

// New builds a Broadcaster bound to a session Manager and the policy
// flags that govern when pushes are sealed versus sent plaintext.
func New(manager *cryptosession.Manager, enabled, required bool, maxConcurrency int) *Broadcaster {
	if maxConcurrency <= 0 {
		maxConcurrency = 32
	}
	return &Broadcaster{
		manager:        manager,
		enabled:        enabled,
		required:       required,
		maxConcurrency: maxConcurrency,
		connToUser:     make(map[string]string),
		connSenders:    make(map[string]Sender),
		groupConns:     make(map[string]map[string]struct{}),
	}
}

// Register associates a live connection with its authenticated user.
func (b *Broadcaster) Register(connID, userID string, sender Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connToUser[connID] = userID
	b.connSenders[connID] = sender
}

// Unregister drops a connection from the user map and every group it
// belonged to.
func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connToUser, connID)
	delete(b.connSenders, connID)
	for group, members := range b.groupConns {
		if _, ok := members[connID]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(b.groupConns, group)
			}
		}
	}
}

// AddToGroup adds an already-registered connection to a named group.
func (b *Broadcaster) AddToGroup(connID, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.groupConns[groupName]
	if !ok {
		members = make(map[string]struct{})
		b.groupConns[groupName] = members
	}
	members[connID] = struct{}{}
}

// RemoveFromGroup removes one connection from one group.
func (b *Broadcaster) RemoveFromGroup(connID, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.groupConns[groupName]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(b.groupConns, groupName)
		}
	}
}

// SendToConnection delivers one push to one connection, sealing it
// under the owning user's session when encryption applies.
func (b *Broadcaster) SendToConnection(ctx context.Context, connID, methodName string, payload interface{}) error {
	b.mu.RLock()
	userID, hasUser := b.connToUser[connID]
	sender, hasSender := b.connSenders[connID]
	b.mu.RUnlock()

	if !hasUser || !hasSender {
		metrics.BroadcastDroppedTotal.Inc()
		return nil
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	hasSession := b.manager != nil && b.manager.IsEnabled(userID)

	if b.enabled && hasSession {
		inv := &envelope.EncryptedInvocation{Target: methodName, Payload: payloadBytes}
		invBytes := envelope.EncodeInvocationBinary(inv)
		env, err := b.manager.Seal(ctx, userID, invBytes, "")
		if err != nil {
			metrics.BroadcastSendFailuresTotal.Inc()
			return err
		}
		wire, err := envelope.EncodeJSON(env)
		if err != nil {
			return err
		}
		if !sender.Send(wire) {
			metrics.BroadcastSendFailuresTotal.Inc()
		}
		return nil
	}

	if b.enabled && b.required && !hasSession {
		metrics.BroadcastDroppedTotal.Inc()
		log.Printf("broadcaster: dropping push for user %s, encryption required but no session", userID)
		return nil
	}

	plain, err := json.Marshal(struct {
		Method  string          `json:"method"`
		Payload json.RawMessage `json:"payload"`
	}{Method: methodName, Payload: payloadBytes})
	if err != nil {
		return err
	}
	if !sender.Send(plain) {
		metrics.BroadcastSendFailuresTotal.Inc()
	}
	return nil
}

// SendRaw writes an already-framed wire payload directly to connID,
// bypassing the seal-or-plaintext decision in SendToConnection. The
// Invocation Gateway uses this for responses it has already sealed
// itself, since sealing them again here would double-encrypt.
func (b *Broadcaster) SendRaw(connID string, data []byte) error {
	b.mu.RLock()
	sender, hasSender := b.connSenders[connID]
	b.mu.RUnlock()

	if !hasSender {
		metrics.BroadcastDroppedTotal.Inc()
		return nil
	}
	if !sender.Send(data) {
		metrics.BroadcastSendFailuresTotal.Inc()
	}
	return nil
}

// SendToGroup fans a push out to every connection currently in
// groupName, in batches of maxConcurrency, awaiting each batch before
// starting the next. One connection's failure never stops the rest.
func (b *Broadcaster) SendToGroup(ctx context.Context, groupName, methodName string, payload interface{}) {
	b.mu.RLock()
	members := b.groupConns[groupName]
	connIDs := make([]string, 0, len(members))
	for connID := range members {
		connIDs = append(connIDs, connID)
	}
	b.mu.RUnlock()

	for start := 0; start < len(connIDs); start += b.maxConcurrency {
		end := start + b.maxConcurrency
		if end > len(connIDs) {
			end = len(connIDs)
		}
		batch := connIDs[start:end]

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, connID := range batch {
			go func(connID string) {
				defer wg.Done()
				if err := b.SendToConnection(ctx, connID, methodName, payload); err != nil {
					log.Printf("broadcaster: send to %s failed: %v", connID, err)
				}
			}(connID)
		}
		wg.Wait()
	}
}

// UserIDFor returns the user a connection belongs to, used by the
// Rotation Driver to resolve which connections to push
// KeyRotationRequest notices to.
func (b *Broadcaster) UserIDFor(connID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	userID, ok := b.connToUser[connID]
	return userID, ok
}

// ConnectionsForUser returns every connection id currently mapped to
// userID, a linear scan acceptable at the Rotation Driver's cadence.
func (b *Broadcaster) ConnectionsForUser(userID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for connID, u := range b.connToUser {
		if u == userID {
			out = append(out, connID)
		}
	}
	return out
}
