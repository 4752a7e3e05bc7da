package convertd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDaemonState_String(t *testing.T) {
	assert.Equal(t, "connecting", DaemonStateConnecting.String())
	assert.Equal(t, "connected", DaemonStateConnected.String())
	assert.Equal(t, "draining", DaemonStateDraining.String())
	assert.Equal(t, "unhealthy", DaemonStateUnhealthy.String())
	assert.Equal(t, "disconnected", DaemonStateDisconnected.String())
	assert.Equal(t, "unknown", DaemonState(99).String())
}

func TestDaemon_CanAcceptJobs(t *testing.T) {
	t.Run("connected_under_capacity", func(t *testing.T) {
		d := &Daemon{
			State:        DaemonStateConnected,
			ActiveJobs:   1,
			Capabilities: &Capabilities{MaxConcurrentJobs: 4},
		}
		assert.True(t, d.CanAcceptJobs())
	})

	t.Run("at_capacity", func(t *testing.T) {
		d := &Daemon{
			State:        DaemonStateConnected,
			ActiveJobs:   4,
			Capabilities: &Capabilities{MaxConcurrentJobs: 4},
		}
		assert.False(t, d.CanAcceptJobs())
	})

	t.Run("unhealthy", func(t *testing.T) {
		d := &Daemon{
			State:        DaemonStateUnhealthy,
			Capabilities: &Capabilities{MaxConcurrentJobs: 4},
		}
		assert.False(t, d.CanAcceptJobs())
	})

	t.Run("missing_capabilities", func(t *testing.T) {
		d := &Daemon{State: DaemonStateConnected}
		assert.False(t, d.CanAcceptJobs())
	})
}

func TestDaemon_LoadRatio(t *testing.T) {
	d := &Daemon{ActiveJobs: 1, Capabilities: &Capabilities{MaxConcurrentJobs: 4}}
	assert.InDelta(t, 0.25, d.LoadRatio(), 0.001)

	bare := &Daemon{ActiveJobs: 0}
	assert.Equal(t, 1.0, bare.LoadRatio())
}

func TestCapabilities_AcceptsFrame(t *testing.T) {
	c := &Capabilities{MaxPixels: 1000}
	assert.True(t, c.AcceptsFrame(20, 50))   // exactly at the bound
	assert.False(t, c.AcceptsFrame(40, 40))  // past it
	assert.True(t, (&Capabilities{}).AcceptsFrame(100000, 100000))
}
