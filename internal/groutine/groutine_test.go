package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesContext(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker-1", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-1", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoDone_ClosesAfterReturn(t *testing.T) {
	var ran bool
	done := GoDone(context.Background(), "once", func(context.Context) { ran = true })

	select {
	case <-done:
		assert.True(t, ran)
	case <-time.After(time.Second):
		t.Fatal("done channel was not closed")
	}
}

func TestGetGID_DiffersAcrossGoroutines(t *testing.T) {
	self := GetGID()
	require.NotZero(t, self)

	other := make(chan uint64, 1)
	Go(context.Background(), "gid", func(context.Context) { other <- GetGID() })

	assert.NotEqual(t, self, <-other)
	assert.Equal(t, self, GetGID())
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
}
