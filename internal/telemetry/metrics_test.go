package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestTotal.WithLabelValues("deepseek/deepseek-chat", "SIMPLE", "200", "false").Inc()
	m.RouteDecisions.WithLabelValues("SIMPLE", "scored").Inc()
	m.PaymentChallenges.WithLabelValues("settled").Inc()
	m.PreAuthLookups.WithLabelValues("hit").Inc()
	m.DedupLookups.WithLabelValues("replay").Inc()
	m.SavingsUSDTotal.Add(0.42)

	if got := testutil.ToFloat64(m.RequestTotal.WithLabelValues("deepseek/deepseek-chat", "SIMPLE", "200", "false")); got != 1 {
		t.Errorf("request counter: %v", got)
	}
	if got := testutil.ToFloat64(m.SavingsUSDTotal); got != 0.42 {
		t.Errorf("savings counter: %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Building twice against distinct registries must not panic with
	// duplicate registration.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
