package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Level is the severity of a message
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
)

// Message is a titled problem report with optional suggestions and hints
type Message struct {
	Level       Level
	Context     string
	Problem     string
	Suggestions []string
	Hints       []string
	NoColor     bool
}

// Format renders the message
//
//	❌ SCHEMA RESOLUTION FAILED: unknown resource type: Patinet
//
//	   Did you mean: Patient?
//
//	   → Check the conformance file: rest[].resource[].type
func (m Message) Format() string {
	var b strings.Builder

	var head *color.Color
	var symbol string
	switch m.Level {
	case LevelWarning:
		head, symbol = color.New(color.FgYellow, color.Bold), "⚠️"
	case LevelInfo:
		head, symbol = color.New(color.FgCyan, color.Bold), "ℹ️"
	default:
		head, symbol = color.New(color.FgRed, color.Bold), "❌"
	}
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	if m.NoColor {
		head.DisableColor()
		yellow.DisableColor()
		cyan.DisableColor()
	}

	if m.Context != "" {
		head.Fprintf(&b, "%s %s: %s\n", symbol, strings.ToUpper(m.Context), m.Problem)
	} else {
		head.Fprintf(&b, "%s %s\n", symbol, m.Problem)
	}

	if len(m.Suggestions) > 0 {
		b.WriteString("\n")
		yellow.Fprintf(&b, "   Did you mean: %s?\n", strings.Join(m.Suggestions, ", "))
	}

	if len(m.Hints) > 0 {
		b.WriteString("\n")
		for _, h := range m.Hints {
			cyan.Fprintf(&b, "   → %s\n", h)
		}
	}

	return b.String()
}

// Write writes the formatted message to w
func (m Message) Write(w io.Writer) {
	fmt.Fprint(w, m.Format())
}

// FormatSuccess creates a success line
func FormatSuccess(message string, noColor bool) string {
	green := color.New(color.FgGreen, color.Bold)
	if noColor {
		green.DisableColor()
	}
	return green.Sprintf("✓ %s", message)
}

// ConfigError reports an invalid configuration
func ConfigError(message string, noColor bool) Message {
	return Message{
		Level:   LevelError,
		Context: "configuration error",
		Problem: message,
		Hints: []string{
			"View config: cat fhirrouter.yaml",
			"Get help: fhirrouter serve --help",
		},
		NoColor: noColor,
	}
}
