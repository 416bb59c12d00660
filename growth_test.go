package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageFor(t *testing.T) {
	tests := []struct {
		name       string
		activeTime int64
		emoji      string
		stageName  string
		ordinal    int
	}{
		{"zero is seed", 0, "🌰", "Seed", 0},
		{"negative is seed", -5, "🌰", "Seed", 0},
		{"threshold itself stays below", 2000, "🌰", "Seed", 0},
		{"just past germination threshold", 2001, "🌱", "Germination", 1},
		{"seedling", 5001, "🌿", "Seedling", 2},
		{"vegetative", 9001, "🌾", "Vegetative", 3},
		{"young tree", 14001, "🌲", "Young Tree", 4},
		{"mature tree", 24000, "🌳", "Mature Tree", 5},
		{"budding", 26001, "🌸", "Budding", 6},
		{"flowering", 32001, "🌺", "Flowering", 7},
		{"peak bloom", 37001, "🌼", "Peak Bloom", 8},
		{"full bloom", 42001, "🌻", "Full Bloom", 9},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stage := stageFor(tc.activeTime)
			assert.Equal(t, tc.emoji, stage.Emoji)
			assert.Equal(t, tc.stageName, stage.Name)
			assert.Equal(t, tc.ordinal, stage.Ordinal)
		})
	}
}

func TestStageForMonotonic(t *testing.T) {
	prev := stageFor(0).Ordinal
	for at := int64(0); at <= 50000; at += 100 {
		cur := stageFor(at).Ordinal
		assert.GreaterOrEqual(t, cur, prev, "stage regressed at activeTime=%d", at)
		prev = cur
	}
}

func TestStageForTerminalIsStable(t *testing.T) {
	assert.Equal(t, stageFor(42001), stageFor(100000))
	assert.Equal(t, stageFor(42001), stageFor(1<<40))
	assert.True(t, fullyGrown(42001))
	assert.False(t, fullyGrown(42000))
}
