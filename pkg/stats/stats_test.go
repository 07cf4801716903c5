package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAndSnapshot(t *testing.T) {
	s := New(nil)

	s.Update(KindOpen)
	s.Update(KindOpen)
	s.Update(KindRequest)
	s.Update(KindBadConn)
	s.Update(KindDenied)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Opens)
	assert.Equal(t, uint64(1), snap.Requests)
	assert.Equal(t, uint64(1), snap.BadConns)
	assert.Equal(t, uint64(1), snap.Denied)
}

func TestConcurrentUpdate(t *testing.T) {
	s := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Update(KindRequest)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(5000), s.Snapshot().Requests)
}

func TestPrometheusRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := New(registry)

	s.Update(KindDenied)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "tinyproxy_denied_total")
	assert.Contains(t, names, "tinyproxy_requests_total")
}

func TestPage(t *testing.T) {
	s := New(nil)
	s.Update(KindOpen)
	s.Update(KindRequest)

	body, err := s.Page("tinyproxy", "0.9.0")
	require.NoError(t, err)

	page := string(body)
	assert.True(t, strings.Contains(page, "tinyproxy version 0.9.0 run-time statistics"))
	assert.True(t, strings.Contains(page, "<td>1</td>"))
}
