package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func variants(statuses ...StagingStatus) StagingVariants {
	out := make(StagingVariants, 0, len(statuses))
	for i, s := range statuses {
		out = append(out, StagingVariant{ID: string(rune('a' + i)), Status: s})
	}
	return out
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		variants StagingVariants
		want     StagingStatus
	}{
		{"all processed", variants(StatusProcessed, StatusProcessed), StatusProcessed},
		{"any error", variants(StatusProcessed, StatusError), StatusError},
		{"mixed pending", variants(StatusPending, StatusProcessed), StatusPending},
		{"error wins over pending", variants(StatusPending, StatusError), StatusError},
		{"no variants", nil, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.variants))
		})
	}
}

func TestStagingParent_Refresh(t *testing.T) {
	p := StagingParent{ID: " SKU-1 ", Variants: variants(StatusProcessed, StatusError, StatusPending, StatusPending)}
	p.Refresh()

	assert.Equal(t, "sku-1", p.IDKey)
	assert.Equal(t, StatusError, p.Status)
	assert.Equal(t, 1, p.ProcessedCount)
	assert.Equal(t, 1, p.ErrorCount)
	assert.Equal(t, 2, p.PendingCount)
}

func TestStagingStatus_Transitions(t *testing.T) {
	allowed := map[[2]StagingStatus]bool{
		{StatusPending, StatusProcessed}: true,
		{StatusPending, StatusError}:     true,
		{StatusError, StatusPending}:     true,
		{StatusProcessed, StatusPending}: true,
	}
	all := []StagingStatus{StatusPending, StatusProcessed, StatusError}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]StagingStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	s, ok := ParseStagingStatus(" processed ")
	require.True(t, ok)
	assert.Equal(t, StatusProcessed, s)
	_, ok = ParseStagingStatus("DONE")
	assert.False(t, ok)
}

func TestStagingParent_CloneIsDeep(t *testing.T) {
	qty := 3.0
	p := StagingParent{ID: "A", Variants: StagingVariants{{ID: "v1", StockByLocation: map[string]*float64{"Main": &qty}}}}
	c := p.Clone()

	*c.Variants[0].StockByLocation["Main"] = 9
	c.Variants[0].Status = StatusError

	assert.Equal(t, 3.0, qty)
	assert.Equal(t, StagingStatus(""), p.Variants[0].Status)
}

func TestVariantsColumnScan(t *testing.T) {
	var v StagingVariants
	require.NoError(t, v.Scan([]byte(`[{"id":"v1","status":"ERROR","error":"boom"}]`)))
	require.Len(t, v, 1)
	assert.Equal(t, StatusError, v[0].Status)

	value, err := StagingVariants(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), value)
}
