package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/smallsimplesuper/macplus/internal/config"
)

var (
	FlagVerboseCount int  // -V, -VV, -VVV
	FlagQuiet        bool // --quiet/-q
	FlagSilent       bool // --silent/-s
	FlagJSON         bool // optionnel pour CI
)

// ConfigureLoggerFromFlags wires the global logger from CLI flags, always
// also writing to the rotating on-disk log (spec §6) when the data
// directory is reachable.
func ConfigureLoggerFromFlags() {
	var out io.Writer = os.Stdout
	var level string
	switch {
	case FlagQuiet:
		level = "error"
		out = os.Stdout // errors only
	case FlagSilent:
		level = "error" // silent = no output at all, even errors
		out = io.Discard
	default:
		// map -V levels
		switch FlagVerboseCount {
		case 0:
			level = "info"
		case 1:
			level = "debug"
		default:
			level = "debug" // -VV, -VVV... keep debug (could add trace later)
		}
	}

	dataDir, _ := config.EnsureDataDirs()
	var logDir string
	if dataDir != "" {
		logDir = filepath.Join(dataDir, "logs")
	}

	Configure(Options{
		Level:  level,
		JSON:   FlagJSON,
		Color:  !FlagJSON,
		Out:    out,
		LogDir: logDir,
	})
}
