package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// messages is where status lines go; stdout is kept for data.
var messages io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func emit(color, marker, format string, args []any) {
	fmt.Fprintln(messages, colorize(color, marker+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { emit(colorGreen, "✓", format, args) }
func printError(format string, args ...any)   { emit(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { emit(colorYellow, "!", format, args) }
func printStep(format string, args ...any)    { emit(colorCyan, "→", format, args) }

// printStatus prints an indented "label: value" line.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(messages, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
