package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/metrics"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()

	m.ObserveLine(logmux.Line{Service: "localchat", Severity: logmux.SeverityError})
	m.ObserveLine(logmux.Line{Service: "localchat", Severity: logmux.SeverityError})
	m.ObserveLine(logmux.Line{Service: "ollama", Severity: logmux.SeverityDefault})
	m.Launch("ollama", metrics.OutcomeStarted)
	m.Restart()
	m.Readiness("ollama", 1500*time.Millisecond, true)
	m.Running("ollama", true)

	expected := `
# HELP chatstack_log_lines_total Total number of log lines emitted per service and severity
# TYPE chatstack_log_lines_total counter
chatstack_log_lines_total{service="localchat",severity="error"} 2
chatstack_log_lines_total{service="ollama",severity="info"} 1
# HELP chatstack_restarts_total Total number of stack restarts requested by the operator
# TYPE chatstack_restarts_total counter
chatstack_restarts_total 1
`
	err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected),
		"chatstack_log_lines_total", "chatstack_restarts_total")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(m.Gatherer(), "chatstack_readiness_wait_seconds", "chatstack_service_running", "chatstack_launches_total")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.ObserveLine(logmux.Line{})
		m.Launch("x", metrics.OutcomeFailed)
		m.Restart()
		m.Readiness("x", time.Second, false)
		m.Running("x", false)
	})
	require.Nil(t, m.Gatherer())
}
