package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T used by the asserters.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// TranscriptOptions control how controller transcripts are compared.
type TranscriptOptions struct {
	IgnoreClient bool `default:"false"` // drop "client=N" fields before comparing
	OnlyCommands bool `default:"false"` // compare command names only
	EnableColors bool `default:"false"`
}

// TranscriptOption is a functional option for a TranscriptAsserter.
type TranscriptOption func(*TranscriptOptions)

// TranscriptAsserter compares the command lines issued to a controller and prints a
// unified diff on mismatch.
type TranscriptAsserter struct {
	t       TestingT
	options TranscriptOptions
}

// NewTranscriptAsserter creates an asserter with default options.
func NewTranscriptAsserter(t TestingT) *TranscriptAsserter {
	opts := TranscriptOptions{}
	defaults.SetDefaults(&opts)
	return &TranscriptAsserter{t: t, options: opts}
}

// WithOptions applies functional options.
func (ta *TranscriptAsserter) WithOptions(opts ...TranscriptOption) *TranscriptAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Options returns a copy of the current options.
func (ta *TranscriptAsserter) Options() TranscriptOptions {
	return ta.options
}

// Assert fails the test when actual differs from expected.
func (ta *TranscriptAsserter) Assert(actual []string, expected ...string) bool {
	ta.t.Helper()
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Transcript mismatch - unified diff:\n%s", diff)
		return false
	}
	return true
}

// Diff returns the unified diff between the normalized transcripts, or "" when equal.
func (ta *TranscriptAsserter) Diff(actual, expected []string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	unified := gotextdiff.ToUnified("expected", "actual", e, edits)
	return ta.colorize(fmt.Sprint(unified))
}

var clientField = regexp.MustCompile(`\s*client=-?\d+`)

func (ta *TranscriptAsserter) normalize(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case ta.options.OnlyCommands:
			if i := strings.IndexByte(line, ' '); i >= 0 {
				line = line[:i]
			}
		case ta.options.IgnoreClient:
			line = clientField.ReplaceAllString(line, "")
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

func (ta *TranscriptAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()
	yellow := color.New(color.FgYellow)
	yellow.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
			lines[i] = yellow.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// WithIgnoreClient drops client handles from every line before comparing.
func WithIgnoreClient(ignore bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.IgnoreClient = ignore }
}

// WithOnlyCommands compares command names only.
func WithOnlyCommands(only bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.OnlyCommands = only }
}

// WithEnableColors colors the diff output.
func WithEnableColors(enable bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.EnableColors = enable }
}

// Commands extracts the command names of a transcript.
func Commands(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if i := strings.IndexByte(line, ' '); i >= 0 {
			line = line[:i]
		}
		out = append(out, line)
	}
	return out
}
