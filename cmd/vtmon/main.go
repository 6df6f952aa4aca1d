//go:build windows

// Command vtmon is the vtable hooker's CLI, mirroring the teacher's
// cmd/galago/main.go subcommand layout (a root command plus an `info`-
// style inspection command) but driving the hook engine instead of
// Cocos2d-x key extraction: `list` enumerates vtables in a module,
// `hook` installs a hook-set and streams live stats, `neutralize`/
// `restore` byte-patch a single address, `hook copy-stack` copies a
// captured call stack to the clipboard, and `tui` launches the live
// dashboard.
package main

import (
	"bufio"
	"debug/pe"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/vtmon/vtmon/internal/arena"
	"github.com/vtmon/vtmon/internal/config"
	glog "github.com/vtmon/vtmon/internal/log"
	"github.com/vtmon/vtmon/internal/rtti"
	"github.com/vtmon/vtmon/internal/script"
	"github.com/vtmon/vtmon/internal/target"
	"github.com/vtmon/vtmon/internal/ui/colorize"
	"github.com/vtmon/vtmon/internal/ui/tui"
	"github.com/vtmon/vtmon/internal/vthook"
)

var (
	verbose    bool
	configPath string
	profile    config.Profile
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vtmon",
		Short: "Instrument x86-64 Windows vtables via mid-hook detours",
		Long: `vtmon hooks every countable slot in a C++ vtable in-process, recording
call counts, return addresses, and call stacks without needing source or
symbols for the target binary.

Examples:
  vtmon list target.dll              # enumerate vtables exported by a module
  vtmon hook 0x7ff6a1b2c000           # install a hook-set, stream live stats
  vtmon hook 0x7ff6a1b2c000 -f 'calls > 100'  # same, filtered by a script expression
  vtmon neutralize 0x7ff6a1b2c040     # overwrite a function's prologue with ret
  vtmon tui 0x7ff6a1b2c000            # launch the live dashboard`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)
			p, err := config.Load(configPath)
			if err != nil {
				return err
			}
			profile = p
			colorize.SetDisabled(profile.NoColor)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "operator profile path")

	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newHookCmd())
	rootCmd.AddCommand(newNeutralizeCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newTUICmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <module.dll>",
		Short: "Enumerate vtables exported by a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pe.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			imageBase := uint64(0)
			switch oh := f.OptionalHeader.(type) {
			case *pe.OptionalHeader32:
				imageBase = uint64(oh.ImageBase)
			case *pe.OptionalHeader64:
				imageBase = oh.ImageBase
			}

			vtm, err := rtti.FindAllVTables(f, imageBase)
			if err != nil {
				return fmt.Errorf("scan vtables: %w", err)
			}

			for _, vt := range vtm.All() {
				printVTable(vt)
			}
			return nil
		},
	}
}

func printVTable(vt *rtti.VTable) {
	name := vt.ClassName
	if name == "" {
		name = vt.Name
	}
	fmt.Printf("%s  %s  size=%s\n", colorize.Address(vt.Start), colorize.FuncName(name), colorize.Detail(fmt.Sprintf("0x%x", vt.Size)))
}

func newHookCmd() *cobra.Command {
	var filterExpr string
	var ignoreMismatch bool

	cmd := &cobra.Command{
		Use:   "hook <vtable-address>",
		Short: "Install a hook-set over a vtable and stream live call stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vtableBase, err := parseHexAddr(args[0])
			if err != nil {
				return err
			}

			var filter *script.Filter
			if filterExpr != "" {
				filter, err = script.Compile(filterExpr)
				if err != nil {
					return err
				}
			}

			hk, cleanup, err := installHookSet(vtableBase, ignoreMismatch || profile.IgnoreVtableMismatch)
			if err != nil {
				return err
			}
			defer cleanup()

			runHookSession(hk, filter)
			return nil
		},
	}

	cmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "JS boolean expression over calls/slot/target/delta_ms")
	cmd.Flags().BoolVarP(&ignoreMismatch, "ignore-mismatch", "i", false, "skip the [rcx] vtable-identity guard")
	cmd.AddCommand(newCopyStackCmd())
	return cmd
}

// installHookSet wires the production collaborators (target.Process,
// arena.Arena, vthook.WindowsResolver) into a single NewHooker call,
// the concrete instantiation of spec.md §6's external-service contracts.
func installHookSet(vtableBase uint64, ignoreMismatch bool) (*vthook.Hooker, func(), error) {
	mem := target.New()
	ar := arena.New()

	resolver, err := vthook.NewWindowsResolver(mem)
	if err != nil {
		ar.Close()
		return nil, nil, fmt.Errorf("build function-table resolver: %w", err)
	}

	hk, err := vthook.NewHooker(vthook.Options{
		Mem:                  mem,
		Prot:                 mem,
		Arena:                ar,
		FuncTable:            resolver,
		ModuleResolver:       resolver,
		Logger:               glog.L,
		IsVTable:             rtti.IsVTable,
		IgnoreVtableMismatch: ignoreMismatch,
	}, vtableBase)
	if err != nil {
		ar.Close()
		return nil, nil, fmt.Errorf("install hook-set: %w", err)
	}

	cleanup := func() {
		hk.Close()
		ar.Close()
	}
	return hk, cleanup, nil
}

// runHookSession streams per-slot stats until interrupted, mirroring
// the teacher's ticker-flushed outputWriter so a noisy hook-set doesn't
// block the dispatcher on a slow terminal. Typing "copy <slot>" on
// stdin copies that slot's captured stack to the clipboard without
// needing a separate invocation.
func runHookSession(hk *vthook.Hooker, filter *script.Filter) {
	out := newOutputWriter()
	defer out.Close()

	lines := make(chan string)
	go readCommands(lines)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Fprintf(os.Stderr, "hook-set %s installed on %d slots over %s, Ctrl+C to stop\n",
		hk.SessionID(), len(hk.Hooks()), colorize.Address(hk.Target()))

	for {
		select {
		case <-ticker.C:
			for _, h := range hk.Hooks() {
				if filter != nil {
					ok, err := filter.Eval(script.Snapshot{
						Slot:        h.Index(),
						Target:      h.Target(),
						Calls:       h.Calls(),
						DeltaMillis: h.Delta().Milliseconds(),
					})
					if err != nil || !ok {
						continue
					}
				}
				if h.Calls() == 0 {
					continue
				}
				out.Write(fmt.Sprintf("slot %d  %s  calls=%d  last_ret=%s  delta=%s",
					h.Index(), colorize.Address(h.Target()), h.Calls(),
					colorize.Address(h.LastReturnAddress()), h.Delta()))
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleCommand(hk, line)
		}
	}
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleCommand(hk *vthook.Hooker, line string) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "copy" {
		return
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	h, ok := hk.FindHook(slot)
	if !ok {
		fmt.Fprintf(os.Stderr, "no hook at slot %d\n", slot)
		return
	}
	if err := copyStackToClipboard(h); err != nil {
		fmt.Fprintf(os.Stderr, "copy: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "copied slot %d's call stack to clipboard\n", slot)
}

func copyStackToClipboard(h *vthook.Hook) error {
	return clipboard.WriteAll(formatCallstack(h.Callstack()))
}

// truncateFrames caps frames to the operator profile's MaxStackFrames,
// keeping the innermost (most recently called) entries. 0 means no cap.
func truncateFrames(frames []uint64) []uint64 {
	if profile.MaxStackFrames <= 0 || len(frames) <= profile.MaxStackFrames {
		return frames
	}
	return frames[:profile.MaxStackFrames]
}

func formatCallstack(frames []uint64) string {
	var b strings.Builder
	for _, f := range truncateFrames(frames) {
		fmt.Fprintf(&b, "0x%016x\n", f)
	}
	return b.String()
}

// outputWriter buffers stat lines through a channel and flushes on a
// ticker, the same pattern the teacher's cmd/galago/main.go uses to
// keep a slow terminal from throttling the instrumentation hot path.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func newCopyStackCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "copy-stack <vtable-address> <slot>",
		Short: "Install a hook-set, wait for a call to one slot, copy its stack to the clipboard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vtableBase, err := parseHexAddr(args[0])
			if err != nil {
				return err
			}
			slot, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", args[1], err)
			}

			hk, cleanup, err := installHookSet(vtableBase, false)
			if err != nil {
				return err
			}
			defer cleanup()

			h, ok := hk.FindHook(slot)
			if !ok {
				return fmt.Errorf("slot %d was not installed (stub, unreadable, or terminated the scan)", slot)
			}

			deadline := time.Now().Add(timeout)
			for h.Calls() == 0 {
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out after %s waiting for a call to slot %d", timeout, slot)
				}
				time.Sleep(20 * time.Millisecond)
			}

			if err := copyStackToClipboard(h); err != nil {
				return fmt.Errorf("copy to clipboard: %w", err)
			}
			fmt.Printf("copied %d frames from slot %d to clipboard\n", len(truncateFrames(h.Callstack())), slot)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a call before giving up")
	return cmd
}

func newNeutralizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "neutralize <address>",
		Short: "Overwrite a function's first byte with ret, short-circuiting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseHexAddr(args[0])
			if err != nil {
				return err
			}
			mem := target.New()
			orig, err := vthook.InsertRetAt(mem, mem, addr)
			if err != nil {
				return err
			}
			fmt.Printf("neutralized %s, original byte 0x%02x (save this for restore)\n", colorize.Address(addr), orig)
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <address> <original-byte>",
		Short: "Undo a prior neutralize, writing the original byte back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseHexAddr(args[0])
			if err != nil {
				return err
			}
			origVal, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 8)
			if err != nil {
				return fmt.Errorf("invalid original byte %q: %w", args[1], err)
			}
			mem := target.New()
			if err := vthook.RestoreByteAt(mem, mem, addr, byte(origVal)); err != nil {
				return err
			}
			fmt.Printf("restored %s\n", colorize.Address(addr))
			return nil
		},
	}
}

func newTUICmd() *cobra.Command {
	var ignoreMismatch bool

	cmd := &cobra.Command{
		Use:   "tui <vtable-address>",
		Short: "Launch the live dashboard over a hooked vtable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vtableBase, err := parseHexAddr(args[0])
			if err != nil {
				return err
			}

			hk, cleanup, err := installHookSet(vtableBase, ignoreMismatch || profile.IgnoreVtableMismatch)
			if err != nil {
				return err
			}
			defer cleanup()

			model := tui.New(hk, hk.SessionID().String())
			_, err = tea.NewProgram(model).Run()
			return err
		},
	}
	cmd.Flags().BoolVarP(&ignoreMismatch, "ignore-mismatch", "i", false, "skip the [rcx] vtable-identity guard")
	return cmd
}

func parseHexAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}
