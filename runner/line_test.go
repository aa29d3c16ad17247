package runner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cliu238/vacalibration/runner"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want runner.Line
	}{
		{"progress int", "PROGRESS: 50 Processing data", runner.ProgressLine{Percent: 50, Stage: "Processing data"}},
		{"progress percent dash", "PROGRESS: 45.5% - Loading data", runner.ProgressLine{Percent: 45, Stage: "Loading data"}},
		{"progress no stage", "PROGRESS: 10", runner.ProgressLine{Percent: 10}},
		{"progress clamped high", "PROGRESS: 150 overshoot", runner.ProgressLine{Percent: 100, Stage: "overshoot"}},
		{"progress clamped low", "PROGRESS: -5 undershoot", runner.ProgressLine{Percent: 0, Stage: "undershoot"}},
		{"bare percent", "75% Sampling", runner.ProgressLine{Percent: 75, Stage: "Sampling"}},
		{"info", "INFO: loaded 100 records", runner.InfoLine{Message: "loaded 100 records"}},
		{"error", "ERROR: missing column", runner.ErrorLine{Message: "missing column"}},
		{"progress not a number", "PROGRESS: soon", runner.UnrecognizedLine{Raw: "PROGRESS: soon"}},
		{"progress nan", "PROGRESS: NaN%", runner.UnrecognizedLine{Raw: "PROGRESS: NaN%"}},
		{"bare number without percent", "100 bottles", runner.UnrecognizedLine{Raw: "100 bottles"}},
		{"plain output", "  chain 1 finished  ", runner.UnrecognizedLine{Raw: "chain 1 finished"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runner.ParseLine(tt.raw))
		})
	}
}

func TestLineText(t *testing.T) {
	assert.Equal(t, "50% sampling", runner.ProgressLine{Percent: 50, Stage: "sampling"}.Text())
	assert.Equal(t, "7%", runner.ProgressLine{Percent: 7}.Text())
	assert.Equal(t, "boom", runner.ErrorLine{Message: "boom"}.Text())
}
