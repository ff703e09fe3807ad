// Package logs extracts source code, generated code and debug WORK tables
// from job logs and debug responses.
package logs

import (
	"strings"
)

// lineSeparator joins extracted lines.
const lineSeparator = "\r\n"

// generatedCodeMarker prefixes macro trace lines.
const generatedCodeMarker = "MPRINT"

// ParsedLog is the code extracted from one job log.
type ParsedLog struct {
	SourceCodeLines    []string
	GeneratedCodeLines []string
	// DebugWork is the WORK payload when the response carried one.
	DebugWork []byte
}

// SourceCode joins the source lines with CRLF.
func (p ParsedLog) SourceCode() string {
	return strings.Join(p.SourceCodeLines, lineSeparator)
}

// GeneratedCode joins the generated lines with CRLF.
func (p ParsedLog) GeneratedCode() string {
	return strings.Join(p.GeneratedCodeLines, lineSeparator)
}

// splitLines splits on LF and drops a trailing CR from each line.
func splitLines(log string) []string {
	if log == "" {
		return nil
	}
	lines := strings.Split(log, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// isSourceLine reports whether the first ten characters of the left-trimmed
// line start with a digit, the log's line-numbering convention.
func isSourceLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if len(trimmed) > 10 {
		trimmed = trimmed[:10]
	}
	return trimmed != "" && trimmed[0] >= '0' && trimmed[0] <= '9'
}

func isGeneratedLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), generatedCodeMarker)
}

// LineKind classifies a single log line.
type LineKind int

const (
	LineOther LineKind = iota
	LineSource
	LineGenerated
)

func (k LineKind) String() string {
	switch k {
	case LineSource:
		return "source"
	case LineGenerated:
		return "generated"
	default:
		return "other"
	}
}

// Classify reports which code stream line belongs to.
func Classify(line string) LineKind {
	line = strings.TrimSuffix(line, "\r")
	switch {
	case isSourceLine(line):
		return LineSource
	case isGeneratedLine(line):
		return LineGenerated
	default:
		return LineOther
	}
}

func filterLines(log string, keep func(string) bool) []string {
	var out []string
	for _, l := range splitLines(log) {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}

// SourceCodeLines returns the numbered source lines of log in order.
func SourceCodeLines(log string) []string {
	return filterLines(log, isSourceLine)
}

// GeneratedCodeLines returns the MPRINT lines of log in order.
func GeneratedCodeLines(log string) []string {
	return filterLines(log, isGeneratedLine)
}

// ParseSourceCode returns the numbered source lines joined by CRLF, or "" if
// there are none.
func ParseSourceCode(log string) string {
	return strings.Join(SourceCodeLines(log), lineSeparator)
}

// ParseGeneratedCode returns the MPRINT lines joined by CRLF, or "" if there
// are none.
func ParseGeneratedCode(log string) string {
	return strings.Join(GeneratedCodeLines(log), lineSeparator)
}

// Parse normalizes raw (plain text or a JSON log page) and extracts both
// code streams.
func Parse(raw []byte) ParsedLog {
	text := Normalize(raw)
	return ParsedLog{
		SourceCodeLines:    SourceCodeLines(text),
		GeneratedCodeLines: GeneratedCodeLines(text),
	}
}
