package goble_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blemgr/internal/device"
	goble "github.com/srg/blemgr/internal/device/go-ble"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchableRadio emulates a platform radio toggled by the user
type switchableRadio struct {
	on    atomic.Bool
	scans atomic.Int32
}

func (p *switchableRadio) scan(ctx context.Context) error {
	p.scans.Add(1)
	if !p.on.Load() {
		return errors.New("bluetooth is turned off")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSession_RecoversWhenRadioIsSwitchedOn(t *testing.T) {
	h := testutils.NewTestHelper(t)
	platform := &switchableRadio{}
	m, err := session.New(goble.NewScanRadio(platform.scan, h.Logger), config.DefaultConfig(), h.Logger)
	require.NoError(t, err)
	defer m.Shutdown()

	err = m.Scan()
	require.ErrorIs(t, err, device.ErrRadioUnavailable, "scan with the radio off MUST fail synchronously")
	assert.False(t, m.IsScanning())

	err = m.Scan()
	require.ErrorIs(t, err, device.ErrRadioUnavailable, "the radio MUST be checked again on every command")

	platform.on.Store(true)
	require.NoError(t, m.Scan(), "scan MUST work once the radio is back")
	assert.True(t, m.IsScanning())
	assert.Eventually(t, func() bool { return platform.scans.Load() >= 4 }, time.Second, 5*time.Millisecond,
		"the central MUST be asked to scan after the readiness check")

	require.NoError(t, m.StopScan())
}
