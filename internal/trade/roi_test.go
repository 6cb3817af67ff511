package trade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestROITableTarget(t *testing.T) {
	table := NewROITable([]ROIStep{
		{After: 2 * time.Hour, Pct: 0.01},
		{After: 0, Pct: 0.04},
		{After: 30 * time.Minute, Pct: 0.02},
	})

	tests := []struct {
		name    string
		age     time.Duration
		want    float64
		wantHit bool
	}{
		{"fresh trade", 0, 0.04, true},
		{"just before first decay", 29 * time.Minute, 0.04, true},
		{"first decay", 30 * time.Minute, 0.02, true},
		{"between decays", time.Hour, 0.02, true},
		{"final decay", 3 * time.Hour, 0.01, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.Target(tt.age)
			assert.Equal(t, tt.wantHit, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestROITableEmpty(t *testing.T) {
	var table ROITable
	_, ok := table.Target(time.Hour)
	assert.False(t, ok)
}

func TestROITableYoungerThanFirstStep(t *testing.T) {
	table := NewROITable([]ROIStep{{After: time.Hour, Pct: 0.01}})
	_, ok := table.Target(time.Minute)
	assert.False(t, ok)
}
