package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registered resets the package state and registers on a fresh registry.
func registered(t *testing.T) *prometheus.Registry {
	t.Helper()
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
	return reg
}

func TestUnitCounters(t *testing.T) {
	registered(t)
	before := testutil.ToFloat64(unitStarts.WithLabelValues("web.service"))

	IncStart("web.service")
	IncStart("web.service")
	IncStop("web.service")
	IncStartLimitHit("web.service")

	assert.Equal(t, before+2, testutil.ToFloat64(unitStarts.WithLabelValues("web.service")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(unitStops.WithLabelValues("web.service")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(unitStartLimitHits.WithLabelValues("web.service")), 1.0)
}

func TestCurrentStateMoves(t *testing.T) {
	registered(t)
	SetCurrentState("db.service", "inactive", "activating")
	SetCurrentState("db.service", "activating", "active")

	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("db.service", "activating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("db.service", "active")))

	SetLoaded("service", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(unitsLoaded.WithLabelValues("service")))
}

func TestReliabilityMetrics(t *testing.T) {
	reg := registered(t)
	IncCommit()
	IncGenerationFlip("b")
	ObserveRecoverStep("db_map", 0.01)
	IncCompensation("sub-manager")

	for _, name := range []string{
		"unitd_reliability_commits_total",
		"unitd_reliability_generation_switches_total",
		"unitd_reliability_recover_step_seconds",
		"unitd_reliability_compensations_total",
	} {
		n, err := testutil.GatherAndCount(reg, name)
		require.NoError(t, err)
		assert.Positive(t, n, name)
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	before := testutil.ToFloat64(unitStarts.WithLabelValues("noop.service"))
	IncStart("noop.service")
	RecordStateTransition("noop.service", "inactive", "activating")
	SetCurrentState("noop.service", "inactive", "activating")
	ObserveRecoverStep("db_map", 1.0)
	assert.Equal(t, before, testutil.ToFloat64(unitStarts.WithLabelValues("noop.service")))
}

func TestRegisterError(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	err := Register(failingRegisterer{})
	require.EqualError(t, err, "registry closed")
	assert.False(t, regOK.Load())
}

func TestHandlerServesDefaultRegistry(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	require.NoError(t, Register(prometheus.DefaultRegisterer))
	IncStart("x.service")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `unitd_unit_starts_total{unit="x.service"}`)
}

func TestProcessCollectorSamplesUnits(t *testing.T) {
	self := os.Getpid()
	c := NewProcessCollector(func() map[string][]int {
		return map[string][]int{"self.service": {self}, "gone.service": {1 << 30}}
	})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
		for _, m := range mf.GetMetric() {
			assert.Equal(t, "self.service", m.GetLabel()[0].GetValue(), mf.GetName())
		}
	}
	for _, n := range []string{"unitd_unit_memory_rss_bytes", "unitd_unit_cpu_percent", "unitd_unit_threads", "unitd_unit_open_fds"} {
		assert.True(t, names[n], n)
	}

	assert.Equal(t, 1, testutil.CollectAndCount(c, "unitd_unit_memory_rss_bytes"))
	assert.NoError(t, testutil.CollectAndCompare(NewProcessCollector(func() map[string][]int { return nil }), strings.NewReader("")))
}

func TestSamplePIDSelf(t *testing.T) {
	s, err := SamplePID(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.NotZero(t, s.MemoryRSS)
	assert.Positive(t, s.NumThreads)

	_, err = SamplePID(1 << 30)
	assert.Error(t, err)
}

type failingRegisterer struct{}

func (failingRegisterer) Register(prometheus.Collector) error  { return errors.New("registry closed") }
func (failingRegisterer) MustRegister(...prometheus.Collector) {}
func (failingRegisterer) Unregister(prometheus.Collector) bool { return false }
