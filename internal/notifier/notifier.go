// Package notifier renders the CLI-facing notices of spec.md §6: a bordered
// box for a pending app-update count or an available self-update, printed
// the same way whether or not stdout is interactive, the one place this
// repo prints for a human
// rather than emitting a structured event.
//
// Grounded on the teacher's internal/notifier/notifier.go bordered-box
// layout (border color, padding, StripANSI-aware centering) and
// internal/printer/printer.go's ColorPrinter, generalized from "one
// hardcoded keg-update message" to a small set of notice kinds driven by
// data the orchestrator already computes (GetUpdateCount, check_self_update).
package notifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/smallsimplesuper/macplus/internal/printer"
)

const (
	borderColor = "\033[38;5;39m"
	resetColor  = "\033[0m"
	padding     = 2
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes color escape codes so centering math measures visible
// width, not escape-sequence byte length.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func maxWidth(lines []string) int {
	width := 0
	for _, line := range lines {
		if w := len(stripANSI(line)); w > width {
			width = w
		}
	}
	return width
}

// box prints lines inside a centered, colored border, mirroring the
// teacher's DisplayVersionUpdate layout.
func box(lines []string) {
	width := maxWidth(lines) + padding*2
	top := borderColor + "╭" + strings.Repeat("─", width) + "╮" + resetColor
	bottom := borderColor + "╰" + strings.Repeat("─", width) + "╯" + resetColor
	side := borderColor + "│" + resetColor

	fmt.Println(top)
	for _, line := range lines {
		visible := len(stripANSI(line))
		left := (width - visible) / 2
		right := width - visible - left
		fmt.Printf("%s%s%s%s%s\n", side, strings.Repeat(" ", left), line, strings.Repeat(" ", right), side)
	}
	fmt.Println(bottom)
}

// UpdatesAvailable prints a bordered notice naming how many non-ignored
// apps currently carry a pending UpdateCandidate, the summary --check-now
// prints before exiting (spec.md §6's exit code 1 case).
func UpdatesAvailable(count int) {
	if count == 0 {
		return
	}
	p := printer.NewColorPrinter()
	plural := "s"
	if count == 1 {
		plural = ""
	}
	box([]string{
		p.Success("Updates Available"),
		fmt.Sprintf("%s %s", p.Warning(fmt.Sprintf("%d", count)), p.Info(fmt.Sprintf("app%s have a newer version ready", plural))),
		p.Warning("Run macplusd to review and install them."),
	})
}

// SelfUpdateAvailable prints a bordered notice for a newer engine build,
// mirroring the teacher's DisplayVersionUpdate but naming the engine's own
// version pair instead of a single "latest" string.
func SelfUpdateAvailable(currentVersion, newVersion string) {
	p := printer.NewColorPrinter()
	box([]string{
		p.Success("Engine Update Available!"),
		fmt.Sprintf("%s %s -> %s", p.Info("New version detected:"), p.Error(currentVersion), p.Success(newVersion)),
		p.Warning("Run ") + p.Success("macplusd --execute-self-update") + p.Warning(" to install it."),
	})
}

// NoUpdates prints nothing, matching the teacher's "no output when nothing
// changed" behavior for --check-now's quiet exit-0 path.
func NoUpdates() {}
