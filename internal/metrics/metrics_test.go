package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	MMCRejected.WithLabelValues("not_found").Inc()
	MMCQueueDepth.WithLabelValues("0").Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `nafabric_mmc_rejected_total{reason="not_found"}`)
	assert.Contains(t, body, `nafabric_mmc_queue_depth{queue="0"} 3`)
	assert.Equal(t, float64(3), testutil.ToFloat64(MMCQueueDepth.WithLabelValues("0")))
}
