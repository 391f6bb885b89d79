// Command cleanerctl is the admin CLI for a running cleanerd, talking over
// the control-plane socket of pkg/controlplane (§4.7, §6).
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nilfs2/cleanerd/pkg/controlplane"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cleanerctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "cleanerctl",
		Short: "Control a running cleanerd over its control-plane socket",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "control-plane socket path (required)")
	root.MarkPersistentFlagRequired("socket")

	client := func() *controlplane.Client { return controlplane.NewClient(socketPath) }

	root.AddCommand(
		statusCmd(client),
		runCmd(client),
		suspendCmd(client),
		resumeCmd(client),
		tuneCmd(client),
		reloadCmd(client),
		waitCmd(client),
		stopCmd(client),
		shutdownCmd(client),
	)
	return root
}

// exitCode derives the CLI's process exit code from a control-plane
// Response: 0 on success, otherwise the kernel-equivalent errno the daemon
// echoed back (§6 "CLI exit codes").
func exitCode(resp controlplane.Response, err error) int {
	if err != nil {
		return 1
	}
	if resp.Result != controlplane.StatusOK {
		if resp.Errno != 0 {
			return int(resp.Errno)
		}
		return 1
	}
	return 0
}

func printAndExit(resp controlplane.Response, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanerctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("result=%v status=%v errno=%d jobid=%d\n", resp.Result, resp.Status, resp.Errno, resp.JobID)
	os.Exit(exitCode(resp, err))
}

func statusCmd(client func() *controlplane.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is idle, running, or suspended",
		Run: func(cmd *cobra.Command, args []string) {
			printAndExit(client().GetStatus())
		},
	}
}

func runCmd(client func() *controlplane.Client) *cobra.Command {
	var dryRun bool
	c := &cobra.Command{
		Use:   "run [segnum ...]",
		Short: "Run an immediate GC pass over the given segments",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			segs := make([]uint64, len(args))
			for i, a := range args {
				n, err := strconv.ParseUint(a, 10, 64)
				if err != nil {
					fmt.Fprintf(os.Stderr, "cleanerctl: invalid segment number %q: %v\n", a, err)
					os.Exit(1)
				}
				segs[i] = n
			}
			printAndExit(client().Run(controlplane.RunArgs{Segments: segs, DryRun: dryRun}))
		},
	}
	c.Flags().BoolVar(&dryRun, "dry-run", false, "account for reclaimable blocks without submitting a transaction")
	return c
}

func suspendCmd(client func() *controlplane.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend",
		Short: "Pause the daemon's main loop",
		Run:   func(cmd *cobra.Command, args []string) { printAndExit(client().Suspend()) },
	}
}

func resumeCmd(client func() *controlplane.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a suspended daemon",
		Run:   func(cmd *cobra.Command, args []string) { printAndExit(client().Resume()) },
	}
}

func tuneCmd(client func() *controlplane.Client) *cobra.Command {
	var protectionPeriod, cleaningInterval time.Duration
	var hasProtectionPeriod, hasCleaningInterval bool
	c := &cobra.Command{
		Use:   "tune",
		Short: "Apply sparse policy overrides without a full config reload",
		Run: func(cmd *cobra.Command, args []string) {
			hasProtectionPeriod = cmd.Flags().Changed("protection-period")
			hasCleaningInterval = cmd.Flags().Changed("cleaning-interval")
			printAndExit(client().Tune(controlplane.TuneArgs{
				ProtectionPeriodSeconds: protectionPeriod.Seconds(),
				CleaningIntervalSeconds: cleaningInterval.Seconds(),
				HasProtectionPeriod:     hasProtectionPeriod,
				HasCleaningInterval:     hasCleaningInterval,
			}))
		},
	}
	c.Flags().DurationVar(&protectionPeriod, "protection-period", 0, "new protection period")
	c.Flags().DurationVar(&cleaningInterval, "cleaning-interval", 0, "new cleaning interval")
	return c
}

func reloadCmd(client func() *controlplane.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "reload [path]",
		Short: "Reload the config file (default path, or the one given)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			printAndExit(client().Reload(path))
		},
	}
}

func waitCmd(client func() *controlplane.Client) *cobra.Command {
	var timeout time.Duration
	c := &cobra.Command{
		Use:   "wait <jobid>",
		Short: "Block until a RUN job completes, or until --timeout elapses",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			jobID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				fmt.Fprintf(os.Stderr, "cleanerctl: invalid job id %q: %v\n", args[0], err)
				os.Exit(1)
			}
			printAndExit(client().Wait(uint32(jobID), timeout))
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")
	return c
}

func stopCmd(client func() *controlplane.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon after its in-flight pass (if any) drains",
		Run:   func(cmd *cobra.Command, args []string) { printAndExit(client().Stop()) },
	}
}

func shutdownCmd(client func() *controlplane.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to exit; it handles this the same way as stop",
		Run:   func(cmd *cobra.Command, args []string) { printAndExit(client().Shutdown()) },
	}
}
