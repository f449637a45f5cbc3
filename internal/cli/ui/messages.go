package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// ErrorOptions configures a formatted failure message
type ErrorOptions struct {
	Context      string
	Problem      string
	Consequence  string
	HelpCommands []string
	NoColor      bool
}

// FormatError renders a failure message
//
// Example output:
//
//	✗ MIGRATION FAILED: relation "revisions" already exists
//	   No migration was recorded.
//
//	   → Check migration status: datalayer migrate status
func FormatError(opts ErrorOptions) string {
	var b strings.Builder

	header := color.New(color.FgRed, color.Bold)
	body := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)
	if opts.NoColor {
		header.DisableColor()
		body.DisableColor()
		cyan.DisableColor()
	}

	if opts.Context != "" {
		header.Fprintf(&b, "✗ %s: %s\n", strings.ToUpper(opts.Context), opts.Problem)
	} else {
		header.Fprintf(&b, "✗ %s\n", opts.Problem)
	}
	if opts.Consequence != "" {
		body.Fprintf(&b, "   %s\n", opts.Consequence)
	}
	if len(opts.HelpCommands) > 0 {
		b.WriteString("\n")
		for _, cmd := range opts.HelpCommands {
			cyan.Fprintf(&b, "   → %s\n", cmd)
		}
	}
	return b.String()
}

// WriteError writes a formatted failure message
func WriteError(w io.Writer, opts ErrorOptions) {
	fmt.Fprint(w, FormatError(opts))
}

// FormatSuccess renders a success line
func FormatSuccess(message string, noColor bool) string {
	green := color.New(color.FgGreen, color.Bold)
	if noColor {
		green.DisableColor()
	}
	return green.Sprintf("✓ %s", message)
}

// WriteSuccess writes a success line
func WriteSuccess(w io.Writer, message string, noColor bool) {
	fmt.Fprintln(w, FormatSuccess(message, noColor))
}

// Header writes a title underlined by a divider
func Header(w io.Writer, title string, noColor bool) {
	bold := color.New(color.Bold, color.FgCyan)
	gray := color.New(color.FgHiBlack)
	if noColor {
		bold.DisableColor()
		gray.DisableColor()
	}
	bold.Fprintln(w, title)
	gray.Fprintln(w, strings.Repeat("─", len(title)))
}
