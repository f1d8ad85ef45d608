package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/composer"
	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var taskRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a task running an action on an object",
	Long: `Create a task running an action on an object. The task is dispatched
by the scheduler.

Examples:
  # Install a cluster
  foreman task run --action 10 --target cluster/1 --params params.yaml

  # Run a host action of a component on one of its hosts and wait
  foreman task run --action 12 --owner component/3 --target host/2 --wait`,
	RunE: runTaskCreate,
}

var taskShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show a task and its jobs as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.store.GetTask(id)
		if err != nil {
			return err
		}
		jobs, err := a.store.GetTaskJobs(id)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(struct {
			*types.Task
			Jobs []*types.Job `json:"jobs"`
		}{task, jobs}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		filter := storage.TaskFilter{}
		statuses, _ := cmd.Flags().GetStringSlice("status")
		for _, s := range statuses {
			st := types.Status(s)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
		if target, _ := cmd.Flags().GetString("target"); target != "" {
			ref, err := types.ParseObjectRef(target)
			if err != nil {
				return err
			}
			filter.Target = &ref
		}
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		tasks, err := a.store.ListTasks(filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tTARGET\tSTATUS\tWORKER\tCREATED")
		for _, t := range tasks {
			worker := "-"
			if !t.Worker.IsZero() {
				worker = fmt.Sprintf("%s:%s", t.Worker.Environment, t.Worker.WorkerID)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
				t.ID, t.ActionID, t.Target, t.Status, worker, t.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task wherever it runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.store.GetTask(id)
		if err != nil {
			return err
		}
		var p pool.Pool
		if task.Worker.Environment == types.EnvironmentRemote {
			if p, err = a.openPool(cmd.Context()); err != nil {
				return err
			}
		}

		grace, _ := cmd.Flags().GetDuration("grace")
		if grace <= 0 {
			grace = a.cfg.Scheduler.KillGrace
		}
		term := scheduler.NewTerminator(a.store, p, a.notifier, grace)
		if err := term.Terminate(cmd.Context(), id); err != nil {
			return err
		}
		task, err = a.store.GetTask(id)
		if err != nil {
			return err
		}
		fmt.Printf("Task %d: %s\n", id, task.Status)
		return nil
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs TASK_ID",
	Short: "Print the logs of the jobs of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		seq, _ := cmd.Flags().GetInt("job")
		jobs, err := a.store.GetTaskJobs(id)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if seq > 0 && job.Seq != seq {
				continue
			}
			logs, err := a.store.ListJobLogs(job.ID)
			if err != nil {
				return err
			}
			for _, l := range logs {
				body := l.Body
				if l.Type == types.LogStdout || l.Type == types.LogStderr {
					data, err := os.ReadFile(executor.LogFilePath(a.cfg.RunDir, l))
					if err != nil && !os.IsNotExist(err) {
						return err
					}
					body = string(data)
				}
				fmt.Printf("==> job %d %s [%s] %s/%s <==\n", job.Seq, job.Name, job.Status, l.Name, l.Type)
				fmt.Println(strings.TrimRight(body, "\n"))
			}
		}
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskLogsCmd)

	taskRunCmd.Flags().Uint64("action", 0, "Action id")
	taskRunCmd.Flags().String("target", "", "Target object as type/id")
	taskRunCmd.Flags().String("owner", "", "Object the action is defined on (default: target)")
	taskRunCmd.Flags().String("params", "", "YAML or JSON file with the action config")
	taskRunCmd.Flags().String("hostcomponent", "", "YAML or JSON file with the desired host-component mapping")
	taskRunCmd.Flags().Bool("verbose", false, "Run jobs verbosely")
	taskRunCmd.Flags().Bool("non-blocking", false, "Hold a flag instead of a lock on the target")
	taskRunCmd.Flags().Bool("wait", false, "Wait until the task finishes")
	_ = taskRunCmd.MarkFlagRequired("action")
	_ = taskRunCmd.MarkFlagRequired("target")

	taskListCmd.Flags().StringSlice("status", nil, "Only tasks in these statuses")
	taskListCmd.Flags().String("target", "", "Only tasks on this object (type/id)")
	taskListCmd.Flags().Int("limit", 50, "Maximum number of tasks")

	taskCancelCmd.Flags().Duration("grace", 0, "Time a local runner gets after SIGTERM (default: scheduler.kill_grace)")

	taskLogsCmd.Flags().Int("job", 0, "Only the job with this sequence number")
}

func runTaskCreate(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	req := composer.Request{}
	req.ActionID, _ = cmd.Flags().GetUint64("action")
	target, _ := cmd.Flags().GetString("target")
	if req.Target, err = types.ParseObjectRef(target); err != nil {
		return err
	}
	if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
		if req.Owner, err = types.ParseObjectRef(owner); err != nil {
			return err
		}
	}
	if path, _ := cmd.Flags().GetString("params"); path != "" {
		if err := readDocument(path, &req.Config); err != nil {
			return err
		}
	}
	if path, _ := cmd.Flags().GetString("hostcomponent"); path != "" {
		if err := readDocument(path, &req.HostComponent); err != nil {
			return err
		}
	}
	req.Verbose, _ = cmd.Flags().GetBool("verbose")
	if nonBlocking, _ := cmd.Flags().GetBool("non-blocking"); nonBlocking {
		blocking := false
		req.Blocking = &blocking
	}

	task, err := composer.New(a.store, a.secrets, a.notifier).Compose(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Printf("Task %d created\n", task.ID)

	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return nil
	}
	status := task.Status
	for !status.IsTerminal() {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(time.Second):
		}
		current, err := a.store.GetTask(task.ID)
		if err != nil {
			return err
		}
		if current.Status != status {
			fmt.Printf("Task %d: %s\n", task.ID, current.Status)
			status = current.Status
		}
	}
	if status != types.StatusSuccess {
		return fmt.Errorf("task %d finished %s", task.ID, status)
	}
	return nil
}

// readDocument decodes a YAML or JSON file; YAML is a superset of JSON
func readDocument(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
