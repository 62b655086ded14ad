package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	p2pmem "github.com/ehrlich-b/go-p2pmem"
	"github.com/ehrlich-b/go-p2pmem/internal/logging"
	"github.com/ehrlich-b/go-p2pmem/internal/report"
)

const usageHeader = `Usage: p2pmem-test [flags] READ_DEV WRITE_DEV [P2PMEM_DEV]

Transfer --chunks chunks of --chunk-size bytes from READ_DEV to WRITE_DEV
through a buffer mapped from P2PMEM_DEV (or host memory when omitted).

Flags:
`

// cliFlags are the flags that do not map onto a Params field directly
type cliFlags struct {
	config   string
	duration int
	verbose  bool
}

func newFlagSet(p *p2pmem.Params, out io.Writer) (*pflag.FlagSet, *cliFlags) {
	cf := &cliFlags{duration: int(p.Duration / time.Second)}
	if p.Duration == 0 {
		cf.duration = -1
	}

	fs := pflag.NewFlagSet("p2pmem-test", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprint(out, usageHeader)
		fs.PrintDefaults()
	}

	fs.BoolVar(&p.Check, "check", p.Check, "verify the sink holds the seeded source data after the copy (slow)")
	fs.VarP((*countValue)(&p.Chunks), "chunks", "c", "number of chunks to transfer")
	fs.VarP(&p.ChunkSize, "chunk-size", "s", "size of one chunk")
	fs.IntVarP(&cf.duration, "duration", "D", cf.duration, "duration to run for in seconds (accepted, not enforced; -1 for unlimited)")
	fs.Var(&p.HostAccess, "host-access", "host access test: element size (<0 read only), access count, stop")
	fs.Var(&p.Init, "init", "zero the buffer first: element size, total bytes, stop")
	fs.VarP(&p.Offset, "offset", "o", "offset into the p2pmem device")
	fs.BoolVar(&p.Overlap, "overlap", p.Overlap, "wrap the transfer over devices smaller than it")
	fs.Int64Var(&p.Seed, "seed", p.Seed, "seed for random data and offsets (-1 for time based)")
	fs.BoolVar(&p.SkipRead, "skip-read", p.SkipRead, "only write (cannot be used with --check)")
	fs.BoolVar(&p.SkipWrite, "skip-write", p.SkipWrite, "only read (cannot be used with --check)")
	fs.IntVarP(&p.Workers, "threads", "t", p.Workers, "number of workers (only 1 is supported)")
	fs.IntVar(&p.Depth, "iodepth", p.Depth, "operations kept in flight")

	fs.StringVar(&cf.config, "config", "", "YAML profile applied before the flags")
	fs.IntVar(&p.MaxRetries, "max-retries", p.MaxRetries, "consecutive EAGAIN completions allowed per operation (0 for unlimited)")
	fs.BoolVar(&p.Direct, "direct", p.Direct, "open the devices with O_DIRECT")
	fs.StringVar(&p.LogLevel, "log-level", p.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&p.LogFormat, "log-format", p.LogFormat, "log format (text, json)")
	fs.StringVar(&p.Output, "output", p.Output, "summary format (csv, json, text)")
	fs.StringVar(&p.MetricsFile, "metrics-file", p.MetricsFile, "write Prometheus metrics to this file")
	fs.BoolVarP(&cf.verbose, "verbose", "v", false, "verbose output")

	return fs, cf
}

// countValue is a plain count that accepts the same suffixes as sizes
type countValue int64

func (c *countValue) String() string { return strconv.FormatInt(int64(*c), 10) }

func (c *countValue) Set(v string) error {
	n, err := p2pmem.ParseSize(v)
	if err != nil {
		return err
	}
	*c = countValue(n)
	return nil
}

func (c *countValue) Type() string { return "count" }

// parseArgs builds the parameters: defaults, then the --config profile,
// then the flags and positional devices.
func parseArgs(args []string, out io.Writer) (p2pmem.Params, *cliFlags, error) {
	p := p2pmem.DefaultParams()
	fs, cf := newFlagSet(&p, out)
	if err := fs.Parse(args); err != nil {
		return p, cf, err
	}

	if cf.config != "" {
		base, err := p2pmem.LoadParams(cf.config, p2pmem.DefaultParams())
		if err != nil {
			return p, cf, err
		}
		p = base
		fs, cf = newFlagSet(&p, out)
		if err := fs.Parse(args); err != nil {
			return p, cf, err
		}
	}

	if fs.Changed("duration") {
		p.Duration = 0
		if cf.duration > 0 {
			p.Duration = time.Duration(cf.duration) * time.Second
		}
	}
	if cf.verbose {
		p.LogLevel = "debug"
	}

	pos := fs.Args()
	switch {
	case len(pos) > 3:
		return p, cf, fmt.Errorf("too many arguments: %v", pos[3:])
	case len(pos) == 1:
		fs.Usage()
		return p, cf, fmt.Errorf("%s: READ_DEV and WRITE_DEV must be given together", pos[0])
	case len(pos) >= 2:
		p.ReadPath, p.WritePath = pos[0], pos[1]
		if len(pos) == 3 {
			p.P2PMemPath = pos[2]
		}
	case p.ReadPath == "" || p.WritePath == "":
		fs.Usage()
		return p, cf, errors.New("READ_DEV and WRITE_DEV are required")
	}
	return p, cf, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	params, _, err := parseArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "p2pmem-test: %v\n", err)
		return 1
	}

	format, err := report.ParseFormat(params.Output)
	if err != nil {
		fmt.Fprintf(stderr, "p2pmem-test: %v\n", err)
		return 1
	}

	// Set up logging
	level, err := logging.ParseLevel(params.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "p2pmem-test: %v\n", err)
		return 1
	}
	logConfig := logging.DefaultConfig()
	logConfig.Level = level
	logConfig.Format = params.LogFormat
	logConfig.Output = stderr
	logger := logging.NewLogger(logConfig)
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stopDumps := dumpStacksOnSignal(logger)
	defer stopDumps()

	options := &p2pmem.Options{Logger: logger}
	if params.MetricsFile != "" {
		options.Metrics = p2pmem.NewMetrics()
	}

	session, err := p2pmem.Open(ctx, params, options)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error("error closing session", "error", err)
		}
	}()

	res, err := session.Run(ctx)
	if err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	if res.StoppedAt != "" {
		fmt.Fprintf(stdout, "stopping at %s\n", res.StoppedAt)
		return 0
	}

	if err := report.Write(stdout, format, res.Summary); err != nil {
		logger.Error("failed to write summary", "error", err)
		return 1
	}

	if options.Metrics != nil {
		if err := options.Metrics.WriteTextfile(params.MetricsFile); err != nil {
			logger.Error("failed to write metrics", "error", err)
			return 1
		}
		logger.Debug("metrics written", "file", params.MetricsFile)
	}
	return 0
}

// dumpStacksOnSignal writes all goroutine stacks to stderr and a file on
// SIGUSR1, which helps when a device stops completing I/O.
func dumpStacksOnSignal(logger *logging.Logger) func() {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("p2pmem-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
				fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()
	return func() {
		signal.Stop(stackDumpCh)
		close(stackDumpCh)
	}
}
