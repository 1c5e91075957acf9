package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	stepColor    = color.New(color.FgCyan)
	labelColor   = color.New(color.Bold)
)

// statusOut receives human-facing status lines. Command results go to the
// command's stdout instead.
var statusOut io.Writer = os.Stderr

func printSuccess(format string, args ...any) {
	successColor.Fprintln(statusOut, "✓ "+fmt.Sprintf(format, args...))
}

func printError(format string, args ...any) {
	errorColor.Fprintln(statusOut, "✗ "+fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...any) {
	warnColor.Fprintln(statusOut, "⚠ "+fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	stepColor.Fprintln(statusOut, "→ "+fmt.Sprintf(format, args...))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(statusOut, "  %s %s\n", labelColor.Sprint(label+":"), fmt.Sprintf(format, args...))
}

func bold(s string) string { return labelColor.Sprint(s) }

func highlight(s string) string { return stepColor.Sprint(s) }
