package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/runner"
	"github.com/cuemby/foreman/pkg/types"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run one task in this process",
	Long: `Run the jobs of one task in order and apply its effects.

The scheduler starts "foreman runner start <id>" for every task it dispatches
locally. SIGTERM or SIGINT cancel the task: the running job is terminated
when it allows it, otherwise the runner stops at the next job boundary.`,
}

var runnerStartCmd = &cobra.Command{
	Use:   "start TASK_ID",
	Short: "Run a dispatched task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, args[0], runner.Start)
	},
}

var runnerRestartCmd = &cobra.Command{
	Use:   "restart TASK_ID",
	Short: "Re-run the unfinished jobs of a failed, aborted or broken task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, args[0], runner.Restart)
	},
}

func init() {
	runnerCmd.AddCommand(runnerStartCmd)
	runnerCmd.AddCommand(runnerRestartCmd)
}

func runTask(cmd *cobra.Command, arg string, mode runner.Mode) error {
	taskID, err := parseTaskID(arg)
	if err != nil {
		return err
	}
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	self := types.WorkerDescriptor{Environment: types.EnvironmentLocal, WorkerID: strconv.Itoa(os.Getpid())}
	r := runner.New(a.store, a.factory(), a.notifier).WithWorker(self)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				logger := log.WithTaskID(taskID)
				logger.Info().Str("signal", sig.String()).Msg("Received signal, cancelling task")
				r.Terminate()
			case <-done:
				return
			}
		}
	}()

	return r.Run(cmd.Context(), taskID, mode)
}
