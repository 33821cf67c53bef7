package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordChanges(2, 1)
			c.RecordRevisions(1, 0)
			c.RecordDuration(OpFetch, 10*time.Millisecond)
			c.RecordErrors(OpFetch, "transient")
		}()
	}
	wg.Wait()
	c.RecordRevisions(0, 3)
	c.RecordErrors(OpInsert, "")

	s := c.Snapshot()
	assert.Equal(t, int64(20), s.Discovered)
	assert.Equal(t, int64(10), s.Completed)
	assert.Equal(t, int64(10), s.Stored)
	assert.Equal(t, int64(3), s.Rejected)
	assert.Equal(t, int64(100), s.DurationsMS[OpFetch])
	assert.Equal(t, int64(10), s.Counts[OpFetch])
	assert.Equal(t, int64(10), s.Errors["fetch.transient"])
	assert.Equal(t, int64(1), s.Errors["insert.other"])
	assert.NotEmpty(t, s.LastUpdate)
}

func TestCollector_ServeHTTP(t *testing.T) {
	c := NewCollector()
	c.RecordChanges(5, 4)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var s Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, int64(5), s.Discovered)
	assert.Equal(t, int64(4), s.Completed)
}

func TestOr(t *testing.T) {
	assert.IsType(t, &NoOpMetricsCollector{}, Or(nil))
	c := NewCollector()
	assert.Same(t, c, Or(c))
}
