package handler

import (
	"testing"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsTestSnapshot() model.AggregatedMetrics {
	return model.AggregatedMetrics{
		TotalEarningsPerHour: 4.0,
		EarningsByProtocol:   map[string]float64{"alpha": 1.0, "bravo": 3.0},
		AllocationByProtocol: map[string]float64{"alpha": 0.4, "bravo": 0.6},
		ConnectionStatus:     map[string]bool{"alpha": true, "bravo": true},
	}
}

func TestSessionDefaultsToAll(t *testing.T) {
	s := &wsSession{all: true}
	filtered, send := s.filter(wsTestSnapshot())
	require.True(t, send)
	assert.Len(t, filtered.EarningsByProtocol, 2)
	assert.InDelta(t, 4.0, filtered.TotalEarningsPerHour, 1e-9)
}

func TestSessionProtocolSubset(t *testing.T) {
	s := &wsSession{all: true}
	alpha := "alpha"

	// Dropping "all" and then subscribing to one protocol narrows to that subset.
	s.unsubscribe(nil)
	s.subscribe(&alpha)

	filtered, send := s.filter(wsTestSnapshot())
	require.True(t, send)
	assert.Len(t, filtered.EarningsByProtocol, 1)
	assert.InDelta(t, 1.0, filtered.TotalEarningsPerHour, 1e-9)
	_, hasBravo := filtered.EarningsByProtocol["bravo"]
	assert.False(t, hasBravo)
}

func TestSessionUnsubscribeAll(t *testing.T) {
	s := &wsSession{all: true}
	s.unsubscribe(nil)

	_, send := s.filter(wsTestSnapshot())
	assert.False(t, send)
}

func TestSessionResubscribeAll(t *testing.T) {
	s := &wsSession{all: true}
	alpha := "alpha"
	s.unsubscribe(nil)
	s.subscribe(&alpha)
	s.subscribe(nil)

	filtered, send := s.filter(wsTestSnapshot())
	require.True(t, send)
	assert.Len(t, filtered.EarningsByProtocol, 2)
}

func TestSessionUnknownProtocol(t *testing.T) {
	s := &wsSession{all: true}
	ghost := "ghost"
	s.unsubscribe(nil)
	s.subscribe(&ghost)

	_, send := s.filter(wsTestSnapshot())
	assert.False(t, send)
}
