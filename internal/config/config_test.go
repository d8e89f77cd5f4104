package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EGOV_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "eGov Messaging", cfg.AppName)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "egov:realtime", cfg.RelayChannel)
	require.Equal(t, 64, cfg.QueueSize)
	require.Equal(t, 60*time.Second, cfg.IdleTimeout)
	require.Equal(t, 3*time.Second, cfg.AuthTimeout)
	require.True(t, cfg.SharedStaffInbox)
	require.Equal(t, 3*time.Second, cfg.TypingLiveness)
	require.Equal(t, 5*time.Second, cfg.TypingStaleAfter)
	require.Equal(t, 2*time.Second, cfg.TypingSweepInterval)
	require.Equal(t, 5, cfg.TypingRatePerSecond)
	require.Equal(t, 10, cfg.AttachmentMaxMB)
	require.False(t, cfg.CloudinaryEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EGOV_JWT_SECRET", "secret")
	t.Setenv("EGOV_APP_PORT", ":9090")
	t.Setenv("EGOV_BROKER_SHARED_STAFF_INBOX", "false")
	t.Setenv("EGOV_BROKER_IDLE_TIMEOUT", "90s")
	t.Setenv("EGOV_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.False(t, cfg.SharedStaffInbox)
	require.Equal(t, 90*time.Second, cfg.IdleTimeout)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load()
	require.Error(t, err)

	t.Setenv("EGOV_JWT_SECRET", "secret")
	t.Setenv("EGOV_TYPING_LIVENESS", "later")
	_, err = Load()
	require.ErrorContains(t, err, "typing.liveness")

	t.Setenv("EGOV_TYPING_LIVENESS", "10s")
	_, err = Load()
	require.ErrorContains(t, err, "stale_after")
}
