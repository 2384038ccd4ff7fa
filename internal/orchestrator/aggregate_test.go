package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexscore/evalengine/internal/model"
)

func TestAggregate_HappyPath(t *testing.T) {
	results := map[model.Dimension]model.DimensionResult{
		model.DimensionInstruction:   {Score: 0.8},
		model.DimensionHallucination: {Score: 0.8},
		model.DimensionAssumption:    {Score: 0.8},
		model.DimensionCoherence:     {Score: 0.8},
		model.DimensionAccuracy:      {Score: 0.8},
	}
	eval := aggregate("rec-1", "batch-1", "a1", results, model.DefaultWeights())
	require.InDelta(t, 0.8, eval.FinalScore, 1e-9)
	require.Empty(t, eval.ProcessingErrors)
}

// §8 scenario 2: one dimension errors, final score renormalised over the
// remaining four.
func TestAggregate_MixedErrors(t *testing.T) {
	results := map[model.Dimension]model.DimensionResult{
		model.DimensionInstruction:   {Score: 0.9},
		model.DimensionHallucination: {Score: 0, Error: "nli timeout"},
		model.DimensionAssumption:    {Score: 1.0},
		model.DimensionCoherence:     {Score: 0.6},
		model.DimensionAccuracy:      {Score: 0.8},
	}
	eval := aggregate("rec-1", "batch-1", "a1", results, model.DefaultWeights())
	require.InDelta(t, 0.84, eval.FinalScore, 1e-9)
	require.Len(t, eval.ProcessingErrors, 1)
	require.Contains(t, eval.ProcessingErrors[0], "hallucination")
}

// §8 B2: every dimension errors; S is empty so final score is 0 and all
// five dimensions contribute a processing error. The caller (finalise)
// is responsible for failing the record rather than completing it.
func TestAggregate_AllErrored(t *testing.T) {
	results := map[model.Dimension]model.DimensionResult{
		model.DimensionInstruction:   {Score: 0, Error: "err"},
		model.DimensionHallucination: {Score: 0, Error: "err"},
		model.DimensionAssumption:    {Score: 0, Error: "err"},
		model.DimensionCoherence:     {Score: 0, Error: "err"},
		model.DimensionAccuracy:      {Score: 0, Error: "err"},
	}
	eval := aggregate("rec-1", "batch-1", "a1", results, model.DefaultWeights())
	require.Equal(t, 0.0, eval.FinalScore)
	require.Len(t, eval.ProcessingErrors, 5)
}

// §8 B3: exactly one dimension succeeds; the final score equals that
// dimension's score because the weight denominator renormalises to it
// alone.
func TestAggregate_OnlyOneSucceeds(t *testing.T) {
	results := map[model.Dimension]model.DimensionResult{
		model.DimensionInstruction:   {Score: 0.42},
		model.DimensionHallucination: {Score: 0, Error: "err"},
		model.DimensionAssumption:    {Score: 0, Error: "err"},
		model.DimensionCoherence:     {Score: 0, Error: "err"},
		model.DimensionAccuracy:      {Score: 0, Error: "err"},
	}
	eval := aggregate("rec-1", "batch-1", "a1", results, model.DefaultWeights())
	require.InDelta(t, 0.42, eval.FinalScore, 1e-9)
}

// Missing dimensions (never reported at all) behave the same as errored
// ones for aggregation purposes.
func TestAggregate_MissingDimensionTreatedAsError(t *testing.T) {
	results := map[model.Dimension]model.DimensionResult{
		model.DimensionInstruction:   {Score: 0.5},
		model.DimensionHallucination: {Score: 0.5},
		model.DimensionAssumption:    {Score: 0.5},
		model.DimensionCoherence:     {Score: 0.5},
		// accuracy missing entirely
	}
	eval := aggregate("rec-1", "batch-1", "a1", results, model.DefaultWeights())
	require.InDelta(t, 0.5, eval.FinalScore, 1e-9)
	require.Len(t, eval.ProcessingErrors, 1)
	require.Contains(t, eval.ProcessingErrors[0], "missing")
}

func TestClampResult_OutOfRangeScoreIsErrored(t *testing.T) {
	r := clampResult(model.DimensionResult{Score: 1.5})
	require.Equal(t, 0.0, r.Score)
	require.NotEmpty(t, r.Error)
}

func TestClampResult_ErroredResultScoreForcedToZero(t *testing.T) {
	r := clampResult(model.DimensionResult{Score: 0.9, Error: "boom"})
	require.Equal(t, 0.0, r.Score)
	require.Equal(t, "boom", r.Error)
}

func TestClampResult_ValidScorePassesThrough(t *testing.T) {
	r := clampResult(model.DimensionResult{Score: 0.63})
	require.Equal(t, 0.63, r.Score)
	require.Empty(t, r.Error)
}
