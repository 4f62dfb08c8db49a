package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/mocktap/internal/config"
)

func bannerLines(cfg *config.Config) []string {
	lines := []string{
		fmt.Sprintf("🚀 Proxy:          http://0.0.0.0:%d", cfg.Server.Port),
		fmt.Sprintf("🎭 Mode:           %s", cfg.Fixtures.Mode),
		fmt.Sprintf("📁 Fixtures:       %s/%s", strings.TrimRight(cfg.Fixtures.SourceDir, "/"), cfg.Fixtures.Manifest),
		fmt.Sprintf("   └─ Runtime:     %s", cfg.Fixtures.RuntimeDir),
	}
	switch cfg.Fixtures.Mode {
	case "capture":
		lines = append(lines, fmt.Sprintf("   └─ Policy:      %s", cfg.Fixtures.RecordPolicy))
	default:
		miss := "pass through"
		if !cfg.Fixtures.FallbackOnMiss {
			miss = "fail (404)"
		}
		lines = append(lines,
			fmt.Sprintf("   └─ Exhaustion:  %s", cfg.Fixtures.Exhaustion),
			fmt.Sprintf("   └─ On miss:     %s", miss),
		)
	}

	journal := cfg.Storage.Driver
	if cfg.Storage.Driver == "sqlite" {
		journal += " (" + cfg.Storage.Path + ")"
	}
	lines = append(lines, fmt.Sprintf("🗂️ Journal:        %s", journal))

	if cfg.Web.Enable {
		auth := "disabled"
		if cfg.Web.Auth.Enable {
			auth = fmt.Sprintf("enabled (%d user(s))", len(cfg.Web.Auth.Users))
		}
		lines = append(lines,
			fmt.Sprintf("🖥️ Admin API:      %s", cfg.Web.AdminPath),
			fmt.Sprintf("   └─ Auth:        %s", auth),
		)
	} else {
		lines = append(lines, "🖥️ Admin API:      disabled")
	}

	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("💾 Log file:       %s", cfg.Log.FileLogging.Path))
	}
	return append(lines, "", "(Press Ctrl+C to stop)")
}

// printStartupBanner draws the startup summary in a box sized by display width.
func printStartupBanner(w io.Writer, cfg *config.Config) {
	title := fmt.Sprintf("MockTap v%s", version)
	subtitle := "HTTP Fixture Record & Replay Proxy"
	lines := bannerLines(cfg)

	width := runewidth.StringWidth(subtitle)
	for _, line := range lines {
		width = max(width, runewidth.StringWidth(line))
	}
	boxWidth := max(width+6, 50)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w, boxLine(title, boxWidth, true))
	fmt.Fprintln(w, boxLine(subtitle, boxWidth, true))
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		fmt.Fprintln(w, boxLine(line, boxWidth, false))
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)
}

func boxLine(content string, boxWidth int, center bool) string {
	padding := max(boxWidth-2-runewidth.StringWidth(content), 0)
	if center {
		return "│" + strings.Repeat(" ", padding/2) + content + strings.Repeat(" ", padding-padding/2) + "│"
	}
	return "│  " + content + strings.Repeat(" ", max(padding-2, 0)) + "│"
}
