// Package rotation runs the fixed-cadence background sweep that keeps
// session keys rotating and expired grace-window keys zeroized.
package rotation

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jaydenbeard/titan-crypt/internal/cryptosession"
)

// DefaultInterval is the driver's fixed cadence absent an override.
const DefaultInterval = 30 * time.Second

// Pusher delivers a pending KeyRotationRequest to every connection a
// user currently has open. The Broadcaster satisfies this.
type Pusher interface {
	ConnectionsForUser(userID string) []string
	SendToConnection(ctx context.Context, connID, methodName string, payload interface{}) error
}

// Driver periodically cleans up expired previous keys and initiates
// rotation for any session past its age or message-volume limit.
type Driver struct {
	manager  *cryptosession.Manager
	pusher   Pusher
	interval time.Duration
	logger   *log.Logger

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	running    bool
}

// New builds a Driver. pusher may be nil, in which case rotation
// requests are initiated but never pushed (useful in tests or when the
// transport layer isn't wired yet).
func New(manager *cryptosession.Manager, pusher Pusher, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Driver{
		manager:  manager,
		pusher:   pusher,
		interval: interval,
		logger:   log.New(os.Stdout, "[ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Start runs the sweep loop in a background goroutine until Stop is
// called. Calling Start twice without an intervening Stop is a no-op.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelFunc = cancel
	d.running = true
	go d.run(ctx)
}

// Stop cancels the sweep loop.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	d.running = false
}

func (d *Driver) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep(ctx)
		case <-ctx.Done():
			d.logger.Println("rotation driver stopped")
			return
		}
	}
}

func (d *Driver) sweep(ctx context.Context) {
	expired := d.manager.CleanupExpiredPreviousKeys(ctx)
	if expired > 0 {
		d.logger.Printf("zeroized %d expired previous key(s)", expired)
	}

	for _, userID := range d.manager.AllUserIDs() {
		needs, trigger, err := d.manager.NeedsRotation(ctx, userID)
		if err != nil {
			d.logger.Printf("warning: needs_rotation check failed for %s: %v", userID, err)
			continue
		}
		if !needs {
			continue
		}

		req, err := d.manager.InitiateRotation(ctx, userID, trigger)
		if err != nil {
			d.logger.Printf("warning: initiate_rotation failed for %s: %v", userID, err)
			continue
		}

		if d.pusher == nil {
			continue
		}
		for _, connID := range d.pusher.ConnectionsForUser(userID) {
			if err := d.pusher.SendToConnection(ctx, connID, "key_rotation", req); err != nil {
				d.logger.Printf("warning: failed to push rotation request to %s: %v", connID, err)
			}
		}
	}
}

// ForceSweep runs one sweep synchronously, useful for tests and for an
// admin-triggered immediate rotation check.
func (d *Driver) ForceSweep(ctx context.Context) {
	d.sweep(ctx)
}
