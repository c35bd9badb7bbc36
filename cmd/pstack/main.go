// Command pstack is a thin wiring point into the core: attaching a
// cobra.Command's flags to a pstackconfig.Config and driving one
// collection cycle. The CLI surface, option parsing and output
// formatting are intentionally minimal — this exists only so the core
// packages have a caller.
//
// A single cobra root command, flags bound directly to package-level
// vars, no subcommand framework beyond what's needed.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devnexen/pstack/imagecache"
	"github.com/devnexen/pstack/internal/logflags"
	"github.com/devnexen/pstack/procfs"
	"github.com/devnexen/pstack/pstackconfig"
	"github.com/devnexen/pstack/unwind"
)

var (
	corePath   string
	execPath   string
	replayLogs string
	configPath string
	logEnabled bool
	logSubsys  string
	maxFrames  int
)

func main() {
	root := &cobra.Command{
		Use:   "pstack [pid]",
		Short: "Print native stack traces for a process, core, or address log.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&corePath, "core", "", "read a core dump instead of a live pid")
	root.Flags().StringVar(&execPath, "exe", "", "executable matching --core or --replay-log (required with either)")
	root.Flags().StringVar(&replayLogs, "replay-log", "", "comma-separated per-thread PC-log files to replay instead of a live pid")
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML pstackconfig file")
	root.Flags().BoolVar(&logEnabled, "log", false, "enable subsystem debug logging")
	root.Flags().StringVar(&logSubsys, "log-output", "", "comma-separated subsystems to log (elf,dwarf,proc,unwind,cache)")
	root.Flags().IntVar(&maxFrames, "max-frames", 0, "cap frames per thread (0 = config default)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pstack:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logflags.Setup(logEnabled, logSubsys)

	cfg := pstackconfig.Default()
	if configPath != "" {
		var err error
		cfg, err = pstackconfig.Load(configPath)
		if err != nil {
			return err
		}
	}
	if maxFrames > 0 {
		cfg.MaxFrames = maxFrames
	}

	cache := imagecache.New(0)

	var proc procfs.Process
	var err error
	switch {
	case corePath != "":
		if execPath == "" {
			return fmt.Errorf("--exe is required with --core")
		}
		proc, err = procfs.OpenCore(corePath, execPath, cache)
	case replayLogs != "":
		if execPath == "" {
			return fmt.Errorf("--exe is required with --replay-log")
		}
		proc, err = procfs.OpenLog(execPath, strings.Split(replayLogs, ","), cache)
	case len(args) == 1:
		pid, perr := strconv.Atoi(args[0])
		if perr != nil {
			return fmt.Errorf("invalid pid %q: %w", args[0], perr)
		}
		proc, err = procfs.AttachLive(pid, cache)
	default:
		return fmt.Errorf("specify a pid, or --core with --exe")
	}
	if err != nil {
		return err
	}

	return collectAndPrint(proc, cfg)
}

// collectAndPrint drives one stack-collection cycle under a scoped
// stop/resume and writes a minimal plain-text summary — not a
// formatting feature, just enough for this entry point to exercise the
// core end to end. A real OutputSink implementation lives outside this
// module.
func collectAndPrint(proc procfs.Process, cfg *pstackconfig.Config) error {
	if err := proc.Stop(); err != nil {
		return err
	}
	defer proc.Resume()

	threads, err := proc.Threads()
	if err != nil {
		return err
	}

	for _, t := range threads {
		fmt.Printf("thread %d (%s):\n", t.ID, t.Name)
		uw := unwind.New(proc, cfg)
		uw.Start(t.Regs)
		for {
			f, ok, ferr := uw.Next()
			if !ok {
				if ferr != nil {
					fmt.Printf("  (truncated: %v)\n", ferr)
				}
				break
			}
			printFrame(f)
		}
	}
	return nil
}

func printFrame(f unwind.Frame) {
	name := f.Function
	if name == "" {
		name = "??"
	}
	if f.File != "" {
		fmt.Printf("  %#016x %s (%s:%d)", f.PC, name, f.File, f.Line)
	} else {
		fmt.Printf("  %#016x %s", f.PC, name)
	}
	if f.Inlined {
		fmt.Print(" [inlined]")
	}
	fmt.Println()
}
