package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRedemptionMetricsCountOutcomes(t *testing.T) {
	m := Redemption()
	require.Same(t, m, Redemption())

	before := testutil.ToFloat64(m.scans.WithLabelValues("failure", "ALREADY_REDEEMED"))
	m.ObserveScan("ALREADY_REDEEMED", 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.scans.WithLabelValues("failure", "ALREADY_REDEEMED")))

	before = testutil.ToFloat64(m.scans.WithLabelValues("success", "none"))
	m.ObserveScan("", time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.scans.WithLabelValues("success", "none")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *RedemptionMetrics
	m.ObserveScan("X", time.Second)
	m.RecordFlag("HIGH_VELOCITY")
	m.RecordConflict("ALREADY_REDEEMED")
	m.RecordStoreError("hit")
	m.RecordIssued()

	var h *HTTPMetrics
	h.Observe("/v1/scans", "POST", 200, time.Second)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", statusClass(201))
	require.Equal(t, "4xx", statusClass(409))
	require.Equal(t, "5xx", statusClass(503))
}
