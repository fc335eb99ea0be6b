package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// family gathers the default registry and returns the named family.
func family(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelled(f *dto.MetricFamily, labels map[string]string) *dto.Metric {
	if f == nil {
		return nil
	}
	for _, m := range f.GetMetric() {
		matched := 0
		for _, pair := range m.GetLabel() {
			if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m
		}
	}
	return nil
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	m := labelled(family(t, name), labels)
	if m == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestGovernatorCountersExport(t *testing.T) {
	m := Governator()
	require.Same(t, m, Governator())

	issued := counterValue(t, "governator_identity_challenges_issued_total", nil)
	verified := counterValue(t, "governator_identity_verifications_total", map[string]string{"outcome": "verified"})
	replayed := counterValue(t, "governator_polls_created_total", map[string]string{"result": "replayed"})

	m.ChallengeIssued()
	m.Verification("verified")
	m.Verification("verified")
	m.PollSubmitted(false)

	require.Equal(t, issued+1, counterValue(t, "governator_identity_challenges_issued_total", nil))
	require.Equal(t, verified+2, counterValue(t, "governator_identity_verifications_total", map[string]string{"outcome": "verified"}))
	require.Equal(t, replayed+1, counterValue(t, "governator_polls_created_total", map[string]string{"result": "replayed"}))
}

func TestObserveStrategyRecordsOutcome(t *testing.T) {
	m := Governator()
	m.ObserveStrategy("erc20:metrics-test", nil, 20*time.Millisecond)
	m.ObserveStrategy("erc20:metrics-test", errors.New("timeout"), time.Second)

	f := family(t, "governator_eligibility_balance_query_seconds")
	require.NotNil(t, f)
	require.Equal(t, dto.MetricType_HISTOGRAM, f.GetType())

	ok := labelled(f, map[string]string{"strategy": "erc20:metrics-test", "outcome": "ok"})
	require.NotNil(t, ok)
	require.EqualValues(t, 1, ok.GetHistogram().GetSampleCount())
	require.InDelta(t, 0.02, ok.GetHistogram().GetSampleSum(), 1e-9)

	failed := labelled(f, map[string]string{"strategy": "erc20:metrics-test", "outcome": "error"})
	require.NotNil(t, failed)
	require.EqualValues(t, 1, failed.GetHistogram().GetSampleCount())
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *GovernatorMetrics
	require.NotPanics(t, func() {
		m.ChallengeIssued()
		m.Verification("verified")
		m.PlatformCall("guilds", "ok")
		m.RetryExhausted("guilds")
		m.SessionInvalidated("logout")
		m.PollSubmitted(true)
		m.VoteCast("ok")
		m.ObserveStrategy("s", nil, time.Millisecond)
	})
}
