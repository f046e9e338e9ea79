// Package buildinfo holds the ldflags-injected build identity macplusd
// reports via --version and uses as its own CurrentVersion when checking
// for a self-update.
//
// Grounded on the teacher's internal/checker/version.go (Version/Commit/
// Date package vars set via -ldflags, PrintVersion's fixed-width layout).
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	Date      = "unknown"
	GoVersion = runtime.Version()
)

// PrintVersion prints the engine's build identity, the --version output
// named in spec.md §6.
func PrintVersion() {
	fmt.Println("macplusd - macOS app update engine")
	fmt.Printf("  %-11s %s\n", "Version:", Version)
	fmt.Printf("  %-11s %s\n", "Go Version:", GoVersion)
	fmt.Printf("  %-11s %s\n", "Git Commit:", Commit)
	fmt.Printf("  %-11s %s\n", "Built:", Date)
	fmt.Printf("  %-11s %s/%s\n", "OS/Arch:", runtime.GOOS, runtime.GOARCH)
}
