package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	require.NotNil(t, reg)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	d := &Descriptor{Type: TypeRiskMonitoring, Queue: QueueRisk, Priority: PriorityHigh}

	reg.Register(d)

	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has(TypeRiskMonitoring))
	assert.Same(t, d, reg.Get(TypeRiskMonitoring))
	assert.Nil(t, reg.Get(TypeStoreBackup))
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Descriptor{Type: TypeNewsMonitoring, Priority: PriorityLow})
	reg.Register(&Descriptor{Type: TypeNewsMonitoring, Priority: PriorityHigh})

	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, PriorityHigh, reg.Get(TypeNewsMonitoring).Priority)
}

func TestRegistry_ByPriority(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Descriptor{Type: TypeHistoryCleanup, Priority: PriorityLow})
	reg.Register(&Descriptor{Type: TypeSyncAccountBalances, Priority: PriorityHigh})
	reg.Register(&Descriptor{Type: TypeMarketDataRefresh, Priority: PriorityMedium})
	reg.Register(&Descriptor{Type: TypeAnalysisBatch, Priority: PriorityLow})

	ordered := reg.ByPriority()

	require.Len(t, ordered, 4)
	assert.Equal(t, TypeSyncAccountBalances, ordered[0].Type)
	assert.Equal(t, TypeMarketDataRefresh, ordered[1].Type)
	// Same priority resolves alphabetically by type.
	assert.Equal(t, TypeAnalysisBatch, ordered[2].Type)
	assert.Equal(t, TypeHistoryCleanup, ordered[3].Type)
}

func TestRegistry_Recurring(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Descriptor{Type: TypeMarketDataRefresh, Interval: 15 * time.Minute})
	reg.Register(&Descriptor{Type: TypeRecommendationGeneration})
	reg.Register(&Descriptor{Type: TypeStoreBackup, CronSpec: "30 2 * * *"})

	recurring := reg.Recurring()

	require.Len(t, recurring, 1)
	assert.Equal(t, TypeMarketDataRefresh, recurring[0].Type)
}

func TestRegistry_CronScheduled(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Descriptor{Type: TypeHistoryCleanup, CronSpec: "10 3 * * *"})
	reg.Register(&Descriptor{Type: TypeStoreBackup, CronSpec: "30 2 * * *"})
	reg.Register(&Descriptor{Type: TypeRiskMonitoring, Interval: 10 * time.Minute})

	cron := reg.CronScheduled()

	require.Len(t, cron, 2)
	assert.Equal(t, TypeHistoryCleanup, cron[0].Type)
	assert.Equal(t, TypeStoreBackup, cron[1].Type)
}

func TestRegistry_Remove(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Descriptor{Type: TypeEarningsIngestion})

	reg.Remove(TypeEarningsIngestion)

	assert.False(t, reg.Has(TypeEarningsIngestion))
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_Types(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Descriptor{Type: TypeStoreBackup})
	reg.Register(&Descriptor{Type: TypeAnalysisBatch})
	reg.Register(&Descriptor{Type: TypeNewsMonitoring})

	types := reg.Types()

	assert.Equal(t, []Type{TypeAnalysisBatch, TypeNewsMonitoring, TypeStoreBackup}, types)
}

func TestDescriptor_ExecutionTimeout(t *testing.T) {
	withTimeout := &Descriptor{Timeout: 20 * time.Minute}
	withoutTimeout := &Descriptor{}

	assert.Equal(t, 20*time.Minute, withTimeout.ExecutionTimeout())
	assert.Equal(t, DefaultTimeout, withoutTimeout.ExecutionTimeout())
}
