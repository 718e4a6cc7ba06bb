package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(
		SourceConfig{Name: "yahoo-finance", Priority: 1},
		SourceConfig{Name: "stooq", Priority: 2},
		SourceConfig{Name: "iex", Priority: 3},
	)
}

func names(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Name
	}
	return out
}

func TestNewRegistry_InitialState(t *testing.T) {
	r := newTestRegistry()

	src, ok := r.Get("yahoo-finance")
	require.True(t, ok)
	assert.True(t, src.IsActive)
	assert.Equal(t, 100, src.HealthScore)
	assert.Equal(t, 0, src.ErrorCount)
	assert.Equal(t, 0, src.SuccessCount)
}

func TestCandidateOrder_ByPriority(t *testing.T) {
	r := newTestRegistry()

	got := names(r.CandidateOrder(""))
	assert.Equal(t, []string{"yahoo-finance", "stooq", "iex"}, got)
}

func TestCandidateOrder_InactiveSourcesSortLast(t *testing.T) {
	r := newTestRegistry()
	r.SetSourceStatus("yahoo-finance", false)

	got := names(r.CandidateOrder(""))
	assert.Equal(t, []string{"stooq", "iex", "yahoo-finance"}, got)
}

func TestCandidateOrder_HealthBreaksPriorityTies(t *testing.T) {
	r := NewRegistry(
		SourceConfig{Name: "a", Priority: 1},
		SourceConfig{Name: "b", Priority: 1},
	)
	// Drop a's score below b's; equal priority so health decides.
	r.RecordError("a")

	got := names(r.CandidateOrder(""))
	assert.Equal(t, []string{"b", "a"}, got)
}

func TestCandidateOrder_PreferredSourceFirst(t *testing.T) {
	r := newTestRegistry()

	got := names(r.CandidateOrder("iex"))
	assert.Equal(t, []string{"iex", "yahoo-finance", "stooq"}, got)
}

func TestCandidateOrder_PreferredEvenWhenInactive(t *testing.T) {
	r := newTestRegistry()
	r.SetSourceStatus("iex", false)

	got := names(r.CandidateOrder("iex"))
	assert.Equal(t, "iex", got[0])
}

func TestCandidateOrder_UnknownPreferredIgnored(t *testing.T) {
	r := newTestRegistry()

	got := names(r.CandidateOrder("bloomberg"))
	assert.Equal(t, []string{"yahoo-finance", "stooq", "iex"}, got)
}

func TestRecordError_QuarantinesBelowThreshold(t *testing.T) {
	r := newTestRegistry()

	// 100 -> 20 after 16 errors, still active (not below threshold).
	for i := 0; i < 16; i++ {
		r.RecordError("stooq")
	}
	src, _ := r.Get("stooq")
	assert.Equal(t, 20, src.HealthScore)
	assert.True(t, src.IsActive)

	// 17th error drops it to 15 < 20: quarantined.
	r.RecordError("stooq")
	src, _ = r.Get("stooq")
	assert.Equal(t, 15, src.HealthScore)
	assert.False(t, src.IsActive)
	assert.Equal(t, 17, src.ErrorCount)
}

func TestRecordSuccess_RestoresAboveThreshold(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 17; i++ {
		r.RecordError("stooq")
	}
	src, _ := r.Get("stooq")
	require.False(t, src.IsActive)
	require.Equal(t, 15, src.HealthScore)

	// Climb back. Restore fires only when the score exceeds 50, so the
	// source stays quarantined at exactly 50.
	for i := 0; i < 35; i++ {
		r.RecordSuccess("stooq")
	}
	src, _ = r.Get("stooq")
	assert.Equal(t, 50, src.HealthScore)
	assert.False(t, src.IsActive)

	r.RecordSuccess("stooq")
	src, _ = r.Get("stooq")
	assert.Equal(t, 51, src.HealthScore)
	assert.True(t, src.IsActive)
}

func TestHealthScore_Clamped(t *testing.T) {
	r := newTestRegistry()

	r.RecordSuccess("iex")
	src, _ := r.Get("iex")
	assert.Equal(t, 100, src.HealthScore, "score must not exceed 100")

	for i := 0; i < 50; i++ {
		r.RecordError("iex")
	}
	src, _ = r.Get("iex")
	assert.Equal(t, 0, src.HealthScore, "score must not drop below 0")
}

func TestApplySweep_NeverFlipsActiveFlag(t *testing.T) {
	r := newTestRegistry()

	// Sweep a source all the way to zero; it must stay active.
	for i := 0; i < 20; i++ {
		r.ApplySweep("yahoo-finance", false)
	}
	src, _ := r.Get("yahoo-finance")
	assert.Equal(t, 0, src.HealthScore)
	assert.True(t, src.IsActive)
	assert.False(t, src.LastHealthCheck.IsZero())

	// And a quarantined source must stay quarantined no matter how many
	// healthy sweeps it sees.
	for i := 0; i < 17; i++ {
		r.RecordError("stooq")
	}
	for i := 0; i < 50; i++ {
		r.ApplySweep("stooq", true)
	}
	src, _ = r.Get("stooq")
	assert.Equal(t, 100, src.HealthScore)
	assert.False(t, src.IsActive)
}

func TestApplySweep_Deltas(t *testing.T) {
	r := newTestRegistry()
	r.ApplySweep("stooq", false)
	src, _ := r.Get("stooq")
	assert.Equal(t, 90, src.HealthScore)

	r.ApplySweep("stooq", true)
	src, _ = r.Get("stooq")
	assert.Equal(t, 92, src.HealthScore)
}

func TestSetSourceStatus(t *testing.T) {
	r := newTestRegistry()

	assert.True(t, r.SetSourceStatus("stooq", false))
	src, _ := r.Get("stooq")
	assert.False(t, src.IsActive)

	// Idempotent.
	assert.True(t, r.SetSourceStatus("stooq", false))

	assert.False(t, r.SetSourceStatus("bloomberg", false))
}

func TestResetStats(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 17; i++ {
		r.RecordError("stooq")
	}
	r.RecordSuccess("stooq")

	require.True(t, r.ResetStats("stooq"))
	src, _ := r.Get("stooq")
	assert.Equal(t, 100, src.HealthScore)
	assert.True(t, src.IsActive)
	assert.Equal(t, 0, src.ErrorCount)
	assert.Equal(t, 0, src.SuccessCount)

	assert.False(t, r.ResetStats("bloomberg"))
}
