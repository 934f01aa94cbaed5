package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner to stderr. service
// names the running process ("gateway" or "worker") since both binaries
// share this package.
func PrintBanner(service string, config *Config, logger *Logger) {
	version := GetVersion()
	build := GetBuild()
	commit := GetGitCommit()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	storageAddr := config.Storage.Surreal.Address

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 88888888888  .d788888b.  .d88888b.  88      -88 8888888b.  888         d8888 888b    88 8888888888`,
		`     888     d88P     Y88b88P     888888      8888888   Y88b 888        d88888  8888b   88 888`,
		`     888     888       888888     888888      8888888    888 888       d88P888  88888b  88 888`,
		`     888     888       888888     888888       8888888   d88P 888      d88P 888  888Y88b 88 8888888`,
		`     888     888       888888     888888       8888888888P'  888     d88P  888  888 Y88b888 888`,
		`     888     888       888888     888888       888888 T88b   888    d88P   888  888  Y88888 888`,
		`     888     Y88b     d88PY88b. .d88P888       888888  T88b  888   d8888888888  888   Y8888 888`,
		`     888      "Y8888888P"   "Y88888P" 88888888888888   T88b 88888888P     888  888    Y888 8888888888`,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s  Distributed Agent Task Execution Platform — %s%s\n", textColor, service, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	kvPad := 16
	kvLines := [][2]string{
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Environment", config.Environment},
		{"Service URL", serviceURL},
		{"Durable store", storageAddr},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("commit", commit).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Str("storage_address", storageAddr).
		Msg(fmt.Sprintf("%s started", service))
}

// PrintShutdownBanner displays the application shutdown banner to stderr.
func PrintShutdownBanner(service string, logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 42
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "%s  %s — SHUTTING DOWN%s\n", textColor, strings.ToUpper(service), banner.ColorReset)
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().Msg(fmt.Sprintf("%s shutting down", service))
}
