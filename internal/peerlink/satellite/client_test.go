package satellite

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/identity"
)

func TestBackoffDelaySchedule(t *testing.T) {
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		require.Equal(t, expected, backoffDelay(i+1), "attempt %d", i+1)
	}
}

func TestBackoffDelayClampsBadInput(t *testing.T) {
	require.Equal(t, 5*time.Second, backoffDelay(0))
	require.Equal(t, 5*time.Second, backoffDelay(-3))
	require.Equal(t, 60*time.Second, backoffDelay(100))
}

func TestLostLinkEntersBackoffFromAttemptOne(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := events.NewBus(log)
	c := New(log, config.Config{}, identity.Terminal{ID: "sat-1", Role: config.RoleSatellite}, nil, bus)

	ch, cancel := bus.Subscribe()
	defer cancel()

	// A link dropping out of connected restarts the schedule at 5s.
	c.attempt = 0
	delay := c.noteFailure(errors.New("read failed"), "192.168.1.10", 3847)
	require.Equal(t, 5*time.Second, delay)
	require.Equal(t, StateBackoff, c.State())

	var kinds []events.Kind
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	require.Contains(t, kinds, events.KindError)
	require.Contains(t, kinds, events.KindReconnecting)
	require.Contains(t, kinds, events.KindStateChanged)

	// Repeated failures keep doubling.
	require.Equal(t, 10*time.Second, c.noteFailure(errors.New("read failed"), "192.168.1.10", 3847))
	require.Equal(t, 20*time.Second, c.noteFailure(errors.New("read failed"), "192.168.1.10", 3847))
}

func TestConnectedMasterEmptyWhileDown(t *testing.T) {
	log := zaptest.NewLogger(t)
	c := New(log, config.Config{}, identity.Terminal{ID: "sat-1", Role: config.RoleSatellite}, nil, events.NewBus(log))
	require.Empty(t, c.ConnectedMaster())
}

func TestSplitAddress(t *testing.T) {
	host, port := splitAddress("192.168.1.10:4000", 3847)
	require.Equal(t, "192.168.1.10", host)
	require.Equal(t, 4000, port)

	host, port = splitAddress("192.168.1.10", 3847)
	require.Equal(t, "192.168.1.10", host)
	require.Equal(t, 3847, port)

	host, port = splitAddress("back-office:xyz", 3847)
	require.Equal(t, "back-office", host)
	require.Equal(t, 3847, port)
}
