package session

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/devicefactory"
	"github.com/srg/blemgr/pkg/config"
)

var (
	sharedMu    sync.Mutex
	shared      *Manager
	sharedRadio interface{ Close() error }
)

// Shared returns the process-wide session, creating it with the default radio
// on first access. cfg, logger and opts only apply to that first call.
// The instance lives until ShutdownShared.
func Shared(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Manager, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}

	radio, err := devicefactory.NewRadio(logger)
	if err != nil {
		return nil, err
	}
	m, err := New(radio, cfg, logger, opts...)
	if err != nil {
		_ = radio.Close()
		return nil, err
	}
	shared = m
	sharedRadio = radio
	return shared, nil
}

// ShutdownShared shuts the process-wide session down and closes its radio.
// A later Shared call creates a new instance.
func ShutdownShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		return
	}
	shared.Shutdown()
	if err := sharedRadio.Close(); err != nil {
		shared.logger.WithError(err).Warn("Failed to close radio")
	}
	shared = nil
	sharedRadio = nil
}
