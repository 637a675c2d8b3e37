// Command rrtrace-dump prints the contents of a recorded trace directory:
// a summary of its header, optionally a frame-by-frame dump of events,
// task lifecycle transitions, and memory mappings, and the total
// uncompressed and compressed bytes read from its substreams while doing
// so.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracereplay/rrtrace/internal/rrlog"
	"github.com/tracereplay/rrtrace/trace"
)

const exDataErr = 65

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var dataErr *trace.DataError
		if errors.As(err, &dataErr) {
			fmt.Fprintln(os.Stderr, "rrtrace-dump:", err)
			os.Exit(exDataErr)
		}
		fmt.Fprintln(os.Stderr, "rrtrace-dump:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		verbose    bool
		showFrames bool
		showTasks  bool
		showMMaps  bool
	)

	cmd := &cobra.Command{
		Use:   "rrtrace-dump [trace-dir]",
		Short: "Print a summary of a recorded trace directory",
		Long: `rrtrace-dump reads a trace directory (as written by a Writer) and prints
its header and the byte counts read from its substreams. With no argument
it follows the trace root's latest-trace symlink.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rrlog.Init(rrlog.Options{Verbose: verbose})

			var dir string
			if len(args) == 1 {
				dir = args[0]
			}
			return runDump(dir, showFrames, showTasks, showMMaps)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&showFrames, "frames", false, "dump every EVENTS frame")
	cmd.Flags().BoolVar(&showTasks, "tasks", false, "dump every TASKS record")
	cmd.Flags().BoolVar(&showMMaps, "mmaps", false, "dump every MMAPS record")
	return cmd
}

func runDump(dir string, showFrames, showTasks, showMMaps bool) error {
	r, err := trace.NewReader(dir)
	if err != nil {
		return err
	}
	defer r.Close()

	uuid := r.UUID()
	fmt.Printf("trace directory: %s\n", r.Dir())
	fmt.Printf("uuid:            %x\n", uuid)
	fmt.Printf("bind to cpu:     %v\n", r.BindToCPU())
	fmt.Printf("cpuid faulting:  %t\n", r.HasCPUIDFaulting())
	fmt.Printf("cpuid records:   %d\n", len(r.CPUIDRecords()))

	if showFrames {
		if err := dumpFrames(r); err != nil {
			return err
		}
	}
	if showTasks {
		if err := dumpTasks(r); err != nil {
			return err
		}
	}
	if showMMaps {
		if err := dumpMMaps(r); err != nil {
			return err
		}
	}

	fmt.Printf("uncompressed bytes: %d\n", r.UncompressedBytes())
	fmt.Printf("compressed bytes:   %d\n", r.CompressedBytes())
	return nil
}

func dumpFrames(r *trace.Reader) error {
	fmt.Println("--- frames ---")
	for {
		frame, found, err := r.PeekFrame()
		if err != nil {
			return fmt.Errorf("dumping frames: %w", err)
		}
		if !found {
			return nil
		}
		frame, err = r.ReadFrame()
		if err != nil {
			return fmt.Errorf("dumping frames: %w", err)
		}
		fmt.Printf("%6d  tid=%-8d %-8s ticks=%d\n", frame.Time, frame.Tid, frame.Event.Type, frame.Ticks)
	}
}

func dumpTasks(r *trace.Reader) error {
	fmt.Println("--- tasks ---")
	for {
		event, ok, err := r.ReadTaskEvent()
		if err != nil {
			return fmt.Errorf("dumping tasks: %w", err)
		}
		if !ok {
			return nil
		}
		fmt.Printf("%6d  tid=%-8d %v\n", event.FrameTime, event.Tid, event.Type)
	}
}

func dumpMMaps(r *trace.Reader) error {
	fmt.Println("--- mmaps ---")
	for {
		km, data, ok, err := r.ReadMappedRegion(trace.Validate)
		if err != nil {
			return fmt.Errorf("dumping mmaps: %w", err)
		}
		if !ok {
			return nil
		}
		fmt.Printf("%6d  [%#x,%#x) %-5s %s\n", data.Time, km.Start, km.End, data.Source, km.Fsname)
	}
}
