package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/metrics"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

func TestCountersAreExposed(t *testing.T) {
	m := metrics.New()
	m.QuoteObserved("LiFi", "ok")
	m.QuoteObserved("LiFi", "ok")
	m.JobFinished("rebalance", queue.OutcomeCompleted, 20*time.Millisecond)
	m.SettlementPolled("check_ccip_delivery", settlement.StatusPending)

	n, err := testutil.GatherAndCount(m.Registry(), "rebalancer_quotes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `rebalancer_quotes_total{result="ok",strategy="LiFi"} 2`)
	assert.Contains(t, string(body), `rebalancer_queue_jobs_total{job="rebalance",outcome="completed"} 1`)
	assert.Contains(t, string(body), `rebalancer_settlement_polls_total{job="check_ccip_delivery",status="pending"} 1`)
}
