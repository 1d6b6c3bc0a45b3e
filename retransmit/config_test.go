package retransmit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigAttemptOffsetsFollowGeometricSchedule(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, time.Duration(0), cfg.attemptOffset(0))
	require.Equal(t, cfg.RTO, cfg.attemptOffset(1))
	require.Equal(t, 3*cfg.RTO, cfg.attemptOffset(2))
	require.Equal(t, 7*cfg.RTO, cfg.attemptOffset(3))
}

func TestConfigTimeoutOffsetMatchesRFCFormula(t *testing.T) {
	cfg := DefaultConfig()
	// (2^7 - 1 + 16) * 500ms = (127 + 16) * 500ms = 71.5s
	require.Equal(t, 143*cfg.RTO, cfg.timeoutOffset())
}

func TestConfigWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultConfig(), cfg)
}

func TestConfigWithDefaultsClampsMinIntervalToRTO(t *testing.T) {
	cfg := Config{RTO: 10 * time.Millisecond, MinTransactionInterval: time.Second}.withDefaults()
	require.Equal(t, cfg.RTO, cfg.MinTransactionInterval)
}
