// Command causerctl is the operator-facing companion CLI: it can read a
// persisted history file without starting the full tool, and it can run
// the S1-S6 demo scenarios against an in-process allocator so the
// scheduler/watchpoint pipeline can be exercised without attaching to a
// real application. Ambient tooling, not part of the core spec.md API.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/history"
	"github.com/watchcause/causer/internal/selfmap"
	"github.com/watchcause/causer/internal/xdefines"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "causerctl",
		Short: "Inspect and exercise the causer watchpoint engine",
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")

	root.AddCommand(newHistoryCmd())
	root.AddCommand(newDemoCmd())
	return root
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Inspect persisted call-site history"}
	cmd.AddCommand(newHistoryShowCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Print every call-site record in a _callstack.info file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open history file: %w", err)
			}
			defer f.Close()

			cfg := xdefines.Default()
			sites := callstack.NewMap(cfg)
			oracle, _ := selfmap.New("", "")

			n, err := history.Load(f, sites, oracle)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}

			fmt.Printf("%d call-site records:\n", n)
			sites.ForEach(func(r *callstack.Record) {
				r.Lock()
				defer r.Unlock()
				fmt.Printf("  depth=%d called=%d watched=%d ratio=%d offset=%d frame0=%#x\n",
					r.Depth, r.CalledCounter, r.WatchedCounter, r.WatchedRatio, r.Offset, r.FramesSlice()[0])
			})
			return nil
		},
	}
}

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "demo", Short: "Run a scripted overflow-detection scenario"}
	cmd.AddCommand(newDemoRunCmd())
	return cmd
}

func newDemoRunCmd() *cobra.Command {
	var scenario string
	c := &cobra.Command{
		Use:   "run",
		Short: "Run one of the S1-S6 scenarios in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logrus.InfoLevel
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = logrus.DebugLevel
			}
			logrus.SetLevel(level)
			return runScenario(scenario)
		},
	}
	c.Flags().StringVarP(&scenario, "scenario", "s", "s1", "scenario to run (s1..s6)")
	return c
}
