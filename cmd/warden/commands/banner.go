package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/wardenscan/warden/internal/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(port int, agentCommand string) {
	info := version.Get()

	pterm.DefaultBox.WithTitle("Warden").Println(
		fmt.Sprintf("Version: %s (commit %s)\nScanner: %s\nAPI:     http://localhost:%d",
			info.Version, info.Short(), agentCommand, port))

	pterm.Info.Println("POST /api/scans to create a scan, /ws/scans/{id} to follow one")
	pterm.Info.Println("Press Ctrl+C to stop")
}
