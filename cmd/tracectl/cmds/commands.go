package cmds

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"

	"github.com/tracectl/tracectl/pkg/config"
	"github.com/tracectl/tracectl/pkg/logflags"
	"github.com/tracectl/tracectl/pkg/proc"
	"github.com/tracectl/tracectl/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// workingDir is the working directory for the launched program.
	workingDir string
	// disableASLR launches the target with address space randomization off.
	disableASLR bool
	// pipeTimeoutMs bounds every receive from the child's output pipes.
	pipeTimeoutMs int

	conf *config.Config
)

const defaultPipeTimeoutMs = 2000

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	timeoutDefault := defaultPipeTimeoutMs
	if conf.PipeTimeoutMs != nil {
		timeoutDefault = *conf.PipeTimeoutMs
	}

	rootCommand := &cobra.Command{
		Use:   "tracectl",
		Short: "tracectl launches, traces and controls the execution of a target process.",
		Long: `tracectl launches, traces and controls the execution of a target process.

It stops the target at breakpoints, intercepts its syscalls and rewrites its
signals, while relaying the target's standard streams.`,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (eg: --log-output=debugger,dispatch,pipe)")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes log to the specified file or file descriptor.")

	execCommand := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Launch and trace a program.",
		Long: `Launch and trace a program.

The target is spawned stopped at its entry point, then run under trace
control until it exits. Stop events are printed together with the
disassembled instruction at the stop site; the target's output is relayed.

A single argument is treated as a full command line and split shell-style,
after expanding aliases from the configuration file.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execCmdRun(args))
		},
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory of the launched program.")
	execCommand.Flags().BoolVar(&disableASLR, "disable-aslr", conf.DisableASLR, "Launch the program with address space randomization turned off.")
	execCommand.Flags().IntVar(&pipeTimeoutMs, "timeout", timeoutDefault, "Receive timeout on the program's output pipes, in milliseconds.")
	rootCommand.AddCommand(execCommand)

	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Attach to a running process and trace it.",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(attachCmdRun(args))
		},
	}
	rootCommand.AddCommand(attachCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tracectl\n%s\n%s\n", version.TracectlVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// setupLogging wires the logging flags, falling back to the configured
// component list when --log is passed without --log-output.
func setupLogging() error {
	lo := logOutput
	if log && lo == "" {
		lo = conf.LogOutput
	}
	return logflags.Setup(log, lo, logDest)
}

// targetArgv resolves the exec arguments into the argv of the target
// program, expanding configured aliases and splitting single-string command
// lines.
func targetArgv(args []string) ([]string, error) {
	if len(args) != 1 {
		return args, nil
	}
	if alias, ok := conf.Aliases[args[0]]; ok && len(alias) > 0 {
		return alias, nil
	}
	v, err := argv.Argv(args[0],
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args[0])
	}
	return v[0], nil
}

func execCmdRun(args []string) int {
	if err := setupLogging(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logflags.Close()

	target, err := targetArgv(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	p, err := proc.Launch(proc.LaunchConfig{
		Argv:        target,
		WorkingDir:  workingDir,
		DisableASLR: disableASLR,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not launch %s: %v\n", target[0], err)
		return 1
	}
	return traceLoop(p)
}

func attachCmdRun(args []string) int {
	if err := setupLogging(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logflags.Close()

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid: %s\n", args[0])
		return 1
	}
	p, err := proc.Attach(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not attach to pid %d: %v\n", pid, err)
		return 1
	}
	return traceLoop(p)
}

// traceLoop resumes the target until it exits, printing every stop that is
// handed back and relaying the target's output.
func traceLoop(p *proc.Process) int {
	defer p.Kill()

	drainTimeout := time.Duration(pipeTimeoutMs) * time.Millisecond
	for {
		if err := p.Continue(); err != nil {
			fmt.Fprintf(os.Stderr, "trace error: %v\n", err)
			return 1
		}
		relayOutput(p, 10*time.Millisecond)
		if p.State() != proc.StateStopped {
			break
		}
		printStop(p)
	}
	relayOutput(p, drainTimeout)

	status := p.ExitStatus()
	fmt.Printf("Process %d has exited with status %d\n", p.Pid(), status)
	if status != 0 {
		return 1
	}
	return 0
}

func printStop(p *proc.Process) {
	switch p.StopReason() {
	case proc.StopBreakpoint:
		fmt.Printf("hit %s\n", p.CurrentBreakpoint())
	case proc.StopSignal:
		fmt.Printf("stopped on signal delivery\n")
	case proc.StopManual:
		fmt.Printf("stopped on request\n")
	default:
		fmt.Printf("stopped\n")
	}
	if inst, err := p.CurrentInstruction(); err == nil {
		fmt.Printf("=> %#x: %s\n", inst.Addr, inst.Text)
	}
}

func relayOutput(p *proc.Process, timeout time.Duration) {
	for {
		out, err := p.Pipe().Recv(timeout)
		if len(out) > 0 {
			os.Stdout.Write(out)
		}
		if err != nil || len(out) == 0 {
			break
		}
	}
	for {
		out, err := p.Pipe().RecvErr(timeout)
		if len(out) > 0 {
			os.Stderr.Write(out)
		}
		if err != nil || len(out) == 0 {
			break
		}
	}
}
