package runner

import (
	"math"
	"strconv"
	"strings"
)

// Line is one parsed line of execution unit output.
type Line interface {
	// Text is the human-readable content of the line.
	Text() string
}

// ProgressLine reports a percentage and an optional stage label.
type ProgressLine struct {
	Percent int
	Stage   string
}

// InfoLine is an informational message.
type InfoLine struct{ Message string }

// ErrorLine is an error message. It does not by itself fail the job.
type ErrorLine struct{ Message string }

// UnrecognizedLine is any other output, kept verbatim.
type UnrecognizedLine struct{ Raw string }

func (l ProgressLine) Text() string {
	s := strconv.Itoa(l.Percent) + "%"
	if l.Stage != "" {
		s += " " + l.Stage
	}
	return s
}

func (l InfoLine) Text() string         { return l.Message }
func (l ErrorLine) Text() string        { return l.Message }
func (l UnrecognizedLine) Text() string { return l.Raw }

const (
	progressPrefix = "PROGRESS:"
	infoPrefix     = "INFO:"
	errorPrefix    = "ERROR:"
)

// ParseLine classifies one output line. Recognized forms:
//
//	PROGRESS: 50 Processing data
//	PROGRESS: 45.5% - Loading data
//	45% Loading data
//	INFO: message
//	ERROR: message
//
// Percentages are truncated to integers and clamped to 0..100. Everything
// else, including a PROGRESS line without a number, is unrecognized.
func ParseLine(raw string) Line {
	line := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(line, progressPrefix):
		if p, ok := parseProgress(strings.TrimSpace(line[len(progressPrefix):]), false); ok {
			return p
		}
	case strings.HasPrefix(line, infoPrefix):
		return InfoLine{Message: strings.TrimSpace(line[len(infoPrefix):])}
	case strings.HasPrefix(line, errorPrefix):
		return ErrorLine{Message: strings.TrimSpace(line[len(errorPrefix):])}
	default:
		if p, ok := parseProgress(line, true); ok {
			return p
		}
	}
	return UnrecognizedLine{Raw: line}
}

// parseProgress reads "<number>[%] [-] [stage]". A bare line must carry the
// percent sign to count as progress.
func parseProgress(s string, needPercent bool) (ProgressLine, bool) {
	num, rest, _ := strings.Cut(s, " ")
	hasPercent := strings.HasSuffix(num, "%")
	num = strings.TrimSuffix(num, "%")
	if num == "" || (needPercent && !hasPercent) {
		return ProgressLine{}, false
	}
	if !hasPercent && strings.HasPrefix(rest, "%") {
		rest = rest[1:]
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return ProgressLine{}, false
	}
	stage := strings.TrimSpace(rest)
	stage = strings.TrimSpace(strings.TrimPrefix(stage, "- "))
	if stage == "-" {
		stage = ""
	}
	return ProgressLine{Percent: min(max(int(f), 0), 100), Stage: stage}, true
}
