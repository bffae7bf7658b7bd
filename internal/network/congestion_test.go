package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGlobalCeilingNoHostsReturnsMax(t *testing.T) {
	cc := NewCongestionController(1, 10)
	require.Equal(t, 10, cc.GlobalCeiling())
}

func TestGlobalCeilingReflectsMostCongestedHost(t *testing.T) {
	cc := NewCongestionController(1, 10)

	cc.RecordOutcome("fast.example", 10*time.Millisecond, nil)
	cc.RecordOutcome("slow.example", 500*time.Millisecond, errors.New("timeout"))

	ceiling := cc.GlobalCeiling()
	require.Less(t, ceiling, 10)

	slow := cc.GetHostStats("slow.example")
	require.NotNil(t, slow)
}

func TestGlobalCeilingNeverBelowOne(t *testing.T) {
	cc := NewCongestionController(1, 10)
	for i := 0; i < 5; i++ {
		cc.RecordOutcome("bad.example", time.Second, errors.New("fail"))
	}
	require.GreaterOrEqual(t, cc.GlobalCeiling(), 1)
}
