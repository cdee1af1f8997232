package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/huxley-im/huxley/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	--port <port>        TCP port to bind (default: 8080)
//	--duration <seconds> run headless for N seconds then exit
//	--no-block           run headless until SIGINT/SIGTERM
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs; anything left over is an unknown argument and an error.
// A help request surfaces as flag.ErrHelp.
func parseFlags(config *Config) error {
	allowed := []string{
		"--port", "-port",
		"--duration", "-duration",
		"--no-block", "-no-block",
		"--help", "-help", "-h",
	}

	args := os.Args[1:]
	filtered := flagx.FilterArgs(args, allowed)
	if unknown := firstDropped(args, filtered); unknown != "" {
		return fmt.Errorf("unknown argument: %s", unknown)
	}

	fs := flag.NewFlagSet("huxley-server", flag.ContinueOnError)

	fs.IntVar(&config.Port, "port", config.Port, "TCP port to bind")
	fs.IntVar(&config.DurationSeconds, "duration", config.DurationSeconds, "run headless for N seconds then exit")
	fs.BoolVar(&config.NoBlock, "no-block", config.NoBlock, "run headless until SIGINT/SIGTERM")

	return fs.Parse(filtered)
}

// firstDropped returns the first element of args that FilterArgs dropped,
// i.e. the first argument no component claims.
func firstDropped(args, filtered []string) string {
	j := 0
	for _, arg := range args {
		if j < len(filtered) && filtered[j] == arg {
			j++
			continue
		}
		return arg
	}
	return ""
}
