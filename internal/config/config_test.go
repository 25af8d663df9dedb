package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`app_name: kestrel`))
	require.NoError(t, err)

	assert.Equal(t, DefaultFrontendPort, cfg.FrontendPort)
	assert.Equal(t, DefaultBackendPort, cfg.BackendPort)
	assert.Equal(t, DefaultMonitorPort, cfg.MonitorPort)
	assert.Equal(t, 5*time.Second, cfg.AckDeadline.Dur())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.PeerLivenessTimeout.Dur())
	assert.Equal(t, "logr", cfg.Telemetry.Backend)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte(`not_a_real_field: true`))
	assert.Error(t, err)
}

func TestParseDurationFromString(t *testing.T) {
	cfg, err := Parse([]byte(`ack_deadline: 250ms`))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.AckDeadline.Dur())
}

func TestParseRejectsMalformedDuration(t *testing.T) {
	_, err := Parse([]byte(`ack_deadline: not-a-duration`))
	assert.Error(t, err)
}

func TestValidateRejectsCollidingPorts(t *testing.T) {
	_, err := Parse([]byte(`frontend_port: 9000
backend_port: 9000`))
	assert.Error(t, err)
}

func TestValidateRejectsUnknownTelemetryBackend(t *testing.T) {
	_, err := Parse([]byte(`telemetry:
  backend: carrier-pigeon`))
	assert.Error(t, err)
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	_, err := Parse([]byte(`max_retries: -1`))
	assert.Error(t, err)
}

func TestDefaultMatchesParseOfEmptyDocument(t *testing.T) {
	fromEmpty, err := Parse([]byte(`app_name: ""`))
	require.NoError(t, err)
	assert.Equal(t, fromEmpty, Default())
}
