package main

// Stage is one rung on the growth ladder. Ordinal orders stages from
// Seed (0) to Full Bloom (9).
type Stage struct {
	Emoji   string
	Name    string
	Ordinal int
}

// Growth thresholds in ticks of active time. A plant enters a stage once
// its active time exceeds the stage's threshold, so intervals are half-open
// on the left. Everything above the last threshold is Full Bloom.
var growthStages = []struct {
	threshold int64
	stage     Stage
}{
	{42000, Stage{"🌻", "Full Bloom", 9}},
	{37000, Stage{"🌼", "Peak Bloom", 8}},
	{32000, Stage{"🌺", "Flowering", 7}},
	{26000, Stage{"🌸", "Budding", 6}},
	{20000, Stage{"🌳", "Mature Tree", 5}},
	{14000, Stage{"🌲", "Young Tree", 4}},
	{9000, Stage{"🌾", "Vegetative", 3}},
	{5000, Stage{"🌿", "Seedling", 2}},
	{2000, Stage{"🌱", "Germination", 1}},
	{0, Stage{"🌰", "Seed", 0}},
}

// fullBloomThreshold is the active time above which a plant is fully grown.
const fullBloomThreshold int64 = 42000

// stageFor maps accumulated active time to a growth stage. Pure and total:
// any value at or below zero is a Seed, any value above 42000 is Full Bloom.
func stageFor(activeTime int64) Stage {
	for _, g := range growthStages {
		if activeTime > g.threshold {
			return g.stage
		}
	}
	return growthStages[len(growthStages)-1].stage
}

// fullyGrown reports whether the given active time has reached the
// terminal stage.
func fullyGrown(activeTime int64) bool {
	return activeTime > fullBloomThreshold
}
