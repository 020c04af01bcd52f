package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RecordEntry("request")
	c.DropEntries("overflow", 3)
	c.ObserveFlush("ok", time.Millisecond)
	c.SetBuffered(1)
	c.DeliveryAttempt("http", "ok")
	c.Redelivery("enqueued")
	c.SetQueueDepth(2)
	assert.Nil(t, c.Registry())
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("lookout")
	c.RecordEntry("request")
	c.RecordEntry("request")
	c.DropEntries("overflow", 4)
	c.DropEntries("overflow", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.EntriesRecorded.WithLabelValues("request")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.EntriesDropped.WithLabelValues("overflow")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("lookout")
	c.ObserveFlush("ok", 10*time.Millisecond)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `lookout_flushes_total{result="ok"} 1`))
}
