package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/munitionsys/munition/capability"
	"github.com/munitionsys/munition/config"
	"github.com/munitionsys/munition/forensics"
	"github.com/munitionsys/munition/hostfn"
	"github.com/munitionsys/munition/manager"
	"github.com/munitionsys/munition/runtime"
	wasmtimebackend "github.com/munitionsys/munition/runtime/wasmtime"
)

var (
	flagWasmPath     string
	flagFunction     string
	flagArgs         []string
	flagFuel         uint64
	flagTimeoutMS    uint32
	flagCapabilities []string
	flagMaxDumpPages uint32
	flagDumpFile     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compile, instantiate, and call one exported function in a WASM module",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&flagWasmPath, "wasm", "", "path to the .wasm module (required)")
	runCmd.Flags().StringVar(&flagFunction, "func", "", "exported function name to call (required)")
	runCmd.Flags().StringArrayVar(&flagArgs, "arg", nil, "an i32 argument; repeat for multiple")
	runCmd.Flags().Uint64Var(&flagFuel, "fuel", 0, "fuel budget (0 = use configured default)")
	runCmd.Flags().Uint32Var(&flagTimeoutMS, "timeout-ms", 0, "wall-clock timeout in ms (0 = use configured default)")
	runCmd.Flags().StringSliceVar(&flagCapabilities, "cap", nil, "comma-separated capability atoms or aliases to grant")
	runCmd.Flags().Uint32Var(&flagMaxDumpPages, "max-dump-pages", 0, "clamp forensic dump memory capture (0 = unbounded)")
	runCmd.Flags().StringVar(&flagDumpFile, "dump-file", "", "write the encoded ForensicDump to this path on crash")
	_ = runCmd.MarkFlagRequired("wasm")
	_ = runCmd.MarkFlagRequired("func")
}

func runRun(cmd *cobra.Command, _ []string) error {
	wasmBytes, err := os.ReadFile(flagWasmPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", flagWasmPath, err)
	}

	args, err := parseArgs(flagArgs)
	if err != nil {
		return err
	}

	caps := capability.NewSet()
	for _, c := range flagCapabilities {
		c = strings.TrimSpace(c)
		if c != "" {
			caps[capability.Capability(c)] = struct{}{}
		}
	}

	backend := wasmtimebackend.NewBackend()
	mgr := manager.New(backend, hostfn.Default(), config.Load())

	opts := manager.Options{Capabilities: caps, MaxMemoryPagesInDump: flagMaxDumpPages}
	if flagFuel != 0 {
		opts.Fuel = &flagFuel
	}
	if flagTimeoutMS != 0 {
		opts.TimeoutMS = &flagTimeoutMS
	}

	result := mgr.Fire(context.Background(), wasmBytes, flagFunction, args, opts)
	if !result.Crashed() {
		fmt.Printf("ok: values=%v fuel_remaining=%d wall_time_ns=%d\n", result.Values, result.FuelRemaining, result.WallTimeNs)
		return nil
	}

	fmt.Printf("crash: cause=%s\n", result.Dump.Cause.Kind)
	printDump(result.Dump)

	if flagDumpFile != "" {
		encoded, err := forensics.Encode(result.Dump)
		if err != nil {
			return fmt.Errorf("encoding dump: %w", err)
		}
		if err := os.WriteFile(flagDumpFile, encoded, 0o644); err != nil {
			return fmt.Errorf("writing dump file: %w", err)
		}
	}
	return nil
}

func printDump(d *forensics.Dump) {
	fmt.Printf("  fuel_consumed=%d fuel_remaining=%d wall_time_ns=%d\n", d.FuelConsumed, d.FuelRemaining, d.WallTimeNs)
	switch d.Cause.Kind {
	case forensics.CauseTrap:
		fmt.Printf("  trap kind=%s message=%s\n", d.Cause.TrapKind, d.Cause.TrapMessage)
	case forensics.CauseHostDenied:
		fmt.Printf("  denied capability=%s\n", d.Cause.DeniedCapability)
	case forensics.CauseInstantiationFailed:
		fmt.Printf("  instantiation failed: %s (%s)\n", d.Cause.Reason, d.Cause.Detail)
	}
	fmt.Printf("  memory_pages=%dB truncated=%v\n", len(d.MemoryPages), d.MemoryTruncated)
}

func parseArgs(raw []string) ([]runtime.Value, error) {
	out := make([]runtime.Value, 0, len(raw))
	for _, a := range raw {
		n, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing arg %q as i32: %w", a, err)
		}
		out = append(out, runtime.I32(int32(n)))
	}
	return out, nil
}
