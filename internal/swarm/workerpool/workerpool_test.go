package workerpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct {
	healthy map[string]bool
	hollow  map[string]float64
}

func (f *fakeHealth) IsHealthy(model string) bool {
	if f.healthy == nil {
		return true
	}
	v, ok := f.healthy[model]
	if !ok {
		return true
	}
	return v
}

func (f *fakeHealth) GetHollowRate(model string) float64 {
	return f.hollow[model]
}

func cap_(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func TestSelectDirectCapabilityMatch(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "model-a", Capabilities: cap_("implement")},
	}
	sel := NewSelector(workers, nil)
	w, ok := sel.Select("implement")
	require.True(t, ok)
	assert.Equal(t, "model-a", w.Model)
}

func TestSelectFallsThroughPrecedenceTable(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "model-a", Capabilities: cap_("code")},
	}
	sel := NewSelector(workers, nil)
	w, ok := sel.Select("write")
	require.True(t, ok, "write should fall through to code")
	assert.Equal(t, "model-a", w.Model)
}

func TestSelectNoMatchReturnsFalse(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "model-a", Capabilities: cap_("research")},
	}
	sel := NewSelector(workers, nil)
	_, ok := sel.Select("implement")
	assert.False(t, ok)
}

func TestSelectPrefersHealthyButFallsBackWhenAllUnhealthy(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "sick", Capabilities: cap_("implement")},
	}
	tracker := &fakeHealth{healthy: map[string]bool{"sick": false}}
	sel := NewSelector(workers, tracker)
	w, ok := sel.Select("implement")
	require.True(t, ok, "tracker must never cause no-model-available alone")
	assert.Equal(t, "sick", w.Model)
}

func TestSelectRoundRobinsAcrossHealthyPartition(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "model-a", Capabilities: cap_("implement")},
		{Name: "w2", Model: "model-b", Capabilities: cap_("implement")},
	}
	sel := NewSelector(workers, nil)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		w, ok := sel.Select("implement")
		require.True(t, ok)
		seen[w.Model] = true
	}
	assert.Len(t, seen, 2, "round robin should visit both models")
}

func TestDeprioritizeByHollowRate(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "hollow-model", Capabilities: cap_("implement")},
		{Name: "w2", Model: "clean-model", Capabilities: cap_("implement")},
	}
	tracker := &fakeHealth{hollow: map[string]float64{"hollow-model": 0.5, "clean-model": 0.1}}
	sel := NewSelector(workers, tracker)
	// With round robin starting at index 0, the first pick should favor
	// the reordered (clean-model first) partition.
	w, ok := sel.Select("implement")
	require.True(t, ok)
	assert.Equal(t, "clean-model", w.Model)
}

func TestSelectAlternativeModelReturnsDifferentConfiguredModel(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "model-a", Capabilities: cap_("implement")},
		{Name: "w2", Model: "model-b", Capabilities: cap_("implement")},
	}
	sel := NewSelector(workers, nil)
	alt, ok := sel.SelectAlternativeModel("implement", "model-a")
	require.True(t, ok)
	assert.Equal(t, "model-b", alt.Model)
}

func TestSelectAlternativeModelNoneAvailable(t *testing.T) {
	workers := []Worker{
		{Name: "w1", Model: "model-a", Capabilities: cap_("implement")},
	}
	sel := NewSelector(workers, nil)
	_, ok := sel.SelectAlternativeModel("implement", "model-a")
	assert.False(t, ok, "never invent an unconfigured model")
}
