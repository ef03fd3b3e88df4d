// Package printer is the CLI's output voice: colored, prefixed lines on
// stdout for results and red titles on stderr for failures. Colors stay on
// when piped so hosts capture the same output a human sees; NO_COLOR turns
// them off.
package printer

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func init() {
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	gray   = color.New(color.FgHiBlack)
)

// Success prints a green confirmation with a checkmark prefix.
func Success(format string, a ...any) {
	green.Printf("✓ "+format+"\n", a...)
}

// Info prints an informational line in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format+"\n", a...)
}

// Warning prints a yellow caution line.
func Warning(format string, a ...any) {
	yellow.Printf("! "+format+"\n", a...)
}

// Error prints a red title to stderr, followed by optional hint lines, and
// returns a plain error carrying only the title for cobra to propagate.
func Error(title string, hints ...string) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	for _, hint := range hints {
		fmt.Fprintf(os.Stderr, "  %s\n", hint)
	}
	return fmt.Errorf("%s", title)
}

// Name renders an agent name in cyan for inline use.
func Name(agent string) string {
	return cyan.Sprint(agent)
}

// Dim renders secondary detail, timestamps mostly, in gray.
func Dim(text string) string {
	return gray.Sprint(text)
}

// Urgent renders an attention marker in red.
func Urgent(text string) string {
	return red.Sprint(text)
}

// Println prints a plain line.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}
