package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/executor"
	"github.com/teranos/tessera/internal/httpclient"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/election"
	"github.com/teranos/tessera/pulse/jobconf"
)

// JobCmd represents the job command
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Import, inspect, enable and trigger jobs",
	Long: `Manage the job definitions stored in the coordination registry.

Examples:
  tessera job import jobs.yaml            # Create the jobs of a definition file
  tessera job import jobs.yaml --overwrite
  tessera job ls                          # List jobs with their owners
  tessera job show billing                # Show one job's definition and servers
  tessera job disable billing             # Stop scheduling a job everywhere
  tessera job run billing                 # Fire a job now through an admin server`,
}

var jobImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import job definitions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		return withRegistry(cmd, func(ctx context.Context, reg coord.Registry) error {
			return importJobs(ctx, cmd.OutOrStdout(), reg, args[0], overwrite)
		})
	},
}

var jobLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, reg coord.Registry) error {
			return listJobs(ctx, cmd.OutOrStdout(), reg)
		})
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job>",
	Short: "Show a job's definition and the executors serving it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, reg coord.Registry) error {
			return showJob(ctx, cmd.OutOrStdout(), reg, args[0])
		})
	},
}

var jobEnableCmd = &cobra.Command{
	Use:   "enable <job>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, reg coord.Registry) error {
			return setEnabled(ctx, cmd.OutOrStdout(), reg, args[0], true)
		})
	},
}

var jobDisableCmd = &cobra.Command{
	Use:   "disable <job>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, reg coord.Registry) error {
			return setEnabled(ctx, cmd.OutOrStdout(), reg, args[0], false)
		})
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Fire a job now through an executor's admin server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		addr, _ := cmd.Flags().GetString("server")
		if addr == "" {
			addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		triggerID, _ := cmd.Flags().GetString("trigger-id")
		connect, read := cfg.ConsoleTimeouts()
		client := httpclient.New(httpclient.Options{ConnectTimeout: connect, ReadTimeout: read})
		return runJob(cmd.Context(), cmd.OutOrStdout(), client, addr, args[0], triggerID)
	},
}

func init() {
	jobImportCmd.Flags().Bool("overwrite", false, "Replace the configuration of jobs that already exist")
	jobRunCmd.Flags().String("server", "", "Admin server base URL (default: http://localhost:<server.port>)")
	jobRunCmd.Flags().String("trigger-id", "", "Trigger id to record (default: generated)")

	JobCmd.AddCommand(jobImportCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobEnableCmd)
	JobCmd.AddCommand(jobDisableCmd)
	JobCmd.AddCommand(jobRunCmd)
}

// withRegistry connects to the configured registry for the duration of fn
func withRegistry(cmd *cobra.Command, fn func(context.Context, coord.Registry) error) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if cfg.Coordination.Backend == am.BackendMemory {
		pterm.Warning.Println("coordination.backend is memory: this command sees an empty, private registry")
	}
	reg, err := executor.Connect(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SessionTimeout()+30*time.Second)
	defer cancel()
	return fn(ctx, reg)
}

func importJobs(ctx context.Context, w io.Writer, reg coord.Registry, path string, overwrite bool) error {
	res, err := executor.ImportFile(ctx, reg, path, overwrite)
	if err != nil {
		return err
	}
	for _, name := range res.Imported {
		fmt.Fprintf(w, "imported %s\n", name)
	}
	for _, name := range res.Skipped {
		fmt.Fprintf(w, "skipped  %s (exists, use --overwrite)\n", name)
	}
	fmt.Fprintf(w, "%d imported, %d skipped\n", len(res.Imported), len(res.Skipped))
	return nil
}

func listJobs(ctx context.Context, w io.Writer, reg coord.Registry) error {
	names, err := coord.SortedChildren(ctx, reg, coord.JobsRoot)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "No jobs")
		return nil
	}

	rows := pterm.TableData{{"JOB", "TYPE", "CRON", "SHARDS", "ENABLED", "LEADER", "SERVERS"}}
	for _, name := range names {
		def, err := jobconf.Read(ctx, reg, name)
		if err != nil {
			rows = append(rows, []string{name, "?", "", "", "", "", "unreadable: " + err.Error()})
			continue
		}
		leader, _, err := coord.GetString(ctx, reg, election.HostPath(name))
		if err != nil {
			return errors.Wrapf(err, "failed to read leader of job %s", name)
		}
		servers, err := coord.SortedChildren(ctx, reg, coord.ServersPath(name))
		if err != nil {
			return errors.Wrapf(err, "failed to list servers of job %s", name)
		}
		rows = append(rows, []string{
			name,
			string(def.Type),
			def.Cron,
			strconv.Itoa(def.ShardingTotalCount),
			strconv.FormatBool(def.Enabled),
			leader,
			strings.Join(servers, ","),
		})
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render job table")
	}
	fmt.Fprintln(w, out)
	return nil
}

func showJob(ctx context.Context, w io.Writer, reg coord.Registry, name string) error {
	ok, _, err := reg.Exists(ctx, coord.JobPath(name, coord.NodeConfig))
	if err != nil {
		return errors.Wrapf(err, "failed to look up job %s", name)
	}
	if !ok {
		return errors.NewNotFoundError("job %s does not exist", name)
	}
	def, err := jobconf.Read(ctx, reg, name)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job definition")
	}
	fmt.Fprintf(w, "# job %s\n%s", name, data)
	if err := def.Validate(); err != nil {
		fmt.Fprintf(w, "# invalid: %v\n", err)
	}

	servers, err := coord.SortedChildren(ctx, reg, coord.ServersPath(name))
	if err != nil {
		return errors.Wrapf(err, "failed to list servers of job %s", name)
	}
	if len(servers) == 0 {
		fmt.Fprintln(w, "\nNo executor serves this job")
		return nil
	}
	rows := pterm.TableData{{"EXECUTOR", "STATUS", "ITEMS", "SUCCESS", "FAILURE"}}
	for _, server := range servers {
		row := []string{server}
		for _, node := range []string{coord.NodeStatus, coord.NodeSharding, coord.NodeProcessSuccessCount, coord.NodeProcessFailureCount} {
			v, _, err := coord.GetString(ctx, reg, coord.ServerPath(name, server, node))
			if err != nil {
				return errors.Wrapf(err, "failed to read %s of %s", node, server)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render server table")
	}
	fmt.Fprintf(w, "\n%s\n", out)
	return nil
}

func setEnabled(ctx context.Context, w io.Writer, reg coord.Registry, name string, enabled bool) error {
	if _, err := jobconf.Load(ctx, reg, name); err != nil {
		return errors.Wrapf(err, "cannot change job %s", name)
	}
	if err := jobconf.SetField(ctx, reg, name, jobconf.FieldEnabled, strconv.FormatBool(enabled)); err != nil {
		return errors.Wrapf(err, "failed to update job %s", name)
	}
	fmt.Fprintf(w, "job %s enabled=%t\n", name, enabled)
	return nil
}

func runJob(ctx context.Context, w io.Writer, client *httpclient.Client, base, name, triggerID string) error {
	target := strings.TrimSuffix(base, "/") + "/api/jobs/" + url.PathEscape(name) + "/run"
	if triggerID != "" {
		target += "?trigger_id=" + url.QueryEscape(triggerID)
	}
	resp, err := client.Post(ctx, target, "application/json", nil, nil)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to reach admin server at %s", base),
			"start an executor with server.enabled = true or pass --server")
	}

	var body struct {
		TriggerID string `json:"trigger_id"`
		Error     string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body, &body)
	if !resp.OK() {
		msg := body.Error
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body))
		}
		return errors.Newf("run %s failed with status %d: %s", name, resp.StatusCode, msg)
	}
	fmt.Fprintf(w, "job %s triggered (trigger_id %s)\n", name, body.TriggerID)
	return nil
}
