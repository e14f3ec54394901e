package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/srg/blemgr/internal/device"
)

// ConnectWait connects to id and blocks until the outcome is known. When ctx
// is done first the attempt is cancelled. It must not be called from an
// observer.
func (m *Manager) ConnectWait(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	results := make(chan ConnectResult, 1)
	unsubscribe := m.OnConnectResult(func(r ConnectResult) {
		if r.PeripheralID != id {
			return
		}
		select {
		case results <- r:
		default:
		}
	})
	defer unsubscribe()

	if err := m.Connect(id); err != nil {
		return err
	}

	// the machine enforces the timeout; the guard only covers a lost outcome
	guard := time.NewTimer(m.ConnectTimeout() + time.Second)
	defer guard.Stop()

	select {
	case r := <-results:
		return r.Err
	case <-ctx.Done():
		_ = m.Disconnect()
		return ctx.Err()
	case <-guard.C:
		_ = m.Disconnect()
		return fmt.Errorf("no outcome for %s: %w", id, device.ErrConnectTimeout)
	case <-m.loopDone:
		return fmt.Errorf("session: %w", device.ErrClosed)
	}
}
