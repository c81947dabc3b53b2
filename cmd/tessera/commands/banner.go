package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/executor"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/version"
)

// printStartupBanner prints the executor's identity and what it is running
func printStartupBanner(w io.Writer, cfg *am.Config, e *executor.Executor, verbosity int) {
	info := version.Get()
	id := e.Identity()

	fmt.Fprintln(w)
	fmt.Fprintln(w, pterm.Bold.Sprint(pterm.Cyan("  tessera executor")))
	fmt.Fprintln(w, pterm.Green("┌─ Executor ──────────────────────────────────────────┐"))
	line := func(label, value string) {
		fmt.Fprintf(w, "%s %-10s %s\n", pterm.Green("│"), label, value)
	}
	line("Name:", id.Name)
	line("Address:", id.Address)
	line("Namespace:", e.Namespace())
	line("Version:", fmt.Sprintf("%s (commit %s)", info.Version, info.CommitHash))
	line("Registry:", registryLabel(cfg))
	line("Jobs:", fmt.Sprintf("%d %s", e.Jobs().Len(), strings.Join(e.Jobs().Names(), ", ")))
	if cfg.Server.Enabled {
		line("Admin:", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}
	if e.History() != nil {
		line("History:", cfg.History.Path)
	}
	line("Verbosity:", logger.LevelName(verbosity))
	if cfg.Log.File != "" {
		line("Logs:", cfg.Log.File)
	}
	fmt.Fprintln(w, pterm.Green("└─────────────────────────────────────────────────────┘"))
	fmt.Fprintln(w, pterm.Blue("Press Ctrl+C to stop"))
	fmt.Fprintln(w)
}

func registryLabel(cfg *am.Config) string {
	if cfg.Coordination.Backend == am.BackendMemory {
		return "memory (single process)"
	}
	return "zookeeper " + strings.Join(cfg.Coordination.Servers, ",")
}
