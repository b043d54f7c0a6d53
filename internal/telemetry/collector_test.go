package telemetry

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollectorRegistersMetrics(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())
	require.NotNil(t, c.cycleDuration)
	require.NotNil(t, c.navFailTotal)
	require.NotNil(t, c.maintenanceTotal)
}

func TestObserveCycleIncrementsHistogram(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())
	c.ObserveCycle("done", 250*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(c.cycleDuration))
}

func TestIncNavFailIncrementsCounter(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())
	c.IncNavFail()
	c.IncNavFail()
	require.InDelta(t, 2, testutil.ToFloat64(c.navFailTotal), 0.0001)
}

func TestObserveMaintenanceLabelsByTaskAndVerdict(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())
	c.ObserveMaintenance("integrate_working", "pass", time.Second)
	require.Equal(t, 1, testutil.CollectAndCount(c.maintenanceTotal))
}

func TestSetIndexSizeSetsGauge(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())
	c.SetIndexSize("working", 42)
	require.InDelta(t, 42, testutil.ToFloat64(c.indexSize.WithLabelValues("working")), 0.0001)
}
