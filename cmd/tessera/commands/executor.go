package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/executor"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/server"
)

// ExecutorCmd represents the executor command
var ExecutorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run an executor or list the registered ones",
}

var executorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Register this executor and run its jobs until interrupted",
	Long: `Register this process as an executor in the configured namespace, start one
scheduler per job and, when server.enabled is set, the admin HTTP server.

The first Ctrl+C shuts down gracefully: items in flight get executor.shutdown_grace_ms
to finish before the executor unregisters. A second Ctrl+C exits immediately.`,
	RunE: runExecutorStart,
}

var executorLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List the executors registered in the namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, reg coord.Registry) error {
			return listExecutors(ctx, cmd.OutOrStdout(), reg)
		})
	},
}

func init() {
	ExecutorCmd.AddCommand(executorStartCmd)
	ExecutorCmd.AddCommand(executorLsCmd)
}

func runExecutorStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")

	hub := server.NewHub(logger.Logger)
	e, err := executor.New(cfg, executor.Options{Events: hub, WatchConfig: true}, logger.Logger)
	if err != nil {
		return err
	}
	if err := e.Start(cmd.Context()); err != nil {
		_ = e.Stop(context.Background())
		return errors.Wrap(err, "failed to start executor")
	}

	printStartupBanner(cmd.OutOrStdout(), cfg, e, verbosity)

	var srv *server.Server
	errChan := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = server.New(e, hub, server.Config{
			Port:              cfg.Server.Port,
			TriggersPerSecond: cfg.Server.TriggersPerSecond,
		}, logger.Logger)
		go func() {
			errChan <- srv.ListenAndServe()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case serveErr = <-errChan:
		pterm.Error.Printf("Admin server stopped: %v\n", serveErr)
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- shutdown(e, srv, cfg.ShutdownGrace())
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		if serveErr != nil {
			return serveErr
		}
		pterm.Success.Println("Executor stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}

// shutdown stops the admin server first so no trigger races the job shutdown
func shutdown(e *executor.Executor, srv *server.Server, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()

	var errs error
	if srv != nil {
		errs = errors.CombineErrors(errs, srv.Shutdown(ctx))
	}
	return errors.CombineErrors(errs, e.Stop(ctx))
}

func listExecutors(ctx context.Context, w io.Writer, reg coord.Registry) error {
	names, err := coord.SortedChildren(ctx, reg, coord.ExecutorsRoot)
	if err != nil {
		return errors.Wrap(err, "failed to list executors")
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "No executors")
		return nil
	}

	rows := pterm.TableData{{"EXECUTOR", "STATUS", "ADDRESS", "VERSION", "LAST START", "TASK"}}
	for _, name := range names {
		values := make(map[string]string, 5)
		for _, node := range []string{coord.NodeIP, coord.NodeVersion, coord.NodeLastBeginTime, coord.NodeTask} {
			v, _, err := coord.GetString(ctx, reg, coord.ExecutorPath(name, node))
			if err != nil {
				return errors.Wrapf(err, "failed to read %s of executor %s", node, name)
			}
			values[node] = v
		}

		status := "offline"
		if values[coord.NodeIP] != "" {
			status = "online"
		}
		started := values[coord.NodeLastBeginTime]
		if t, err := coord.ParseTime(started); err == nil {
			started = t.Local().Format(time.RFC3339)
		}
		rows = append(rows, []string{name, status, values[coord.NodeIP], values[coord.NodeVersion], started, values[coord.NodeTask]})
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render executor table")
	}
	fmt.Fprintln(w, out)
	return nil
}
