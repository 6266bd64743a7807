package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlojensen/aigateway/internal/keypool"
)

func TestRegistry_ObserveRequest_IncrementsCounterByOutcome(t *testing.T) {
	r := NewRegistry("test_obs")

	r.ObserveRequest(keypool.RequestMetric{CredentialID: "k1", SuccessCount: 1, LatencyMs: 42})
	r.ObserveRequest(keypool.RequestMetric{CredentialID: "k1", ErrorCount: 1, LatencyMs: 7})

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_obs_keypool_credential_requests_total" {
			found = f
		}
	}
	require.NotNil(t, found)
	assert.Len(t, found.Metric, 2)
}

func TestRegistry_SetCircuitState_ReflectsInGauge(t *testing.T) {
	r := NewRegistry("test_circuit")
	r.SetCircuitState("k1", keypool.CircuitOpen)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var value float64
	for _, f := range families {
		if f.GetName() == "test_circuit_keypool_credential_circuit_state" {
			value = f.Metric[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(keypool.CircuitOpen), value)
}

func TestRegistry_SatisfiesKeypoolMetricsSink(t *testing.T) {
	var _ keypool.MetricsSink = NewRegistry("test_iface")
}
