package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diskbench/internal/bench"
	"diskbench/internal/config"
	"diskbench/internal/device"
	"diskbench/internal/device/filedev"
	"diskbench/internal/device/simdev"
	"diskbench/internal/logging"
	"diskbench/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const usage = `usage: diskbench [flags] <command> <path>...

commands:
  readbench        read every path front to back, blocking I/O
  writebench       write random data to every path, blocking I/O
  readasyncbench   readbench with async I/O
  writeasyncbench  writebench with async I/O
  info             print the geometry of every path
  fill             write -val into sectors [-start, -start+-count) of one path

flags:
`

type options struct {
	sim   uint64
	val   uint
	start uint64
	count uint64
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var opts options
	fs := flag.NewFlagSet("diskbench", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.Uint64Var(&cfg.BlockSize, "bufsize", cfg.BlockSize, "sectors per I/O")
	fs.IntVar(&cfg.AsyncPoolSize, "aiopool", cfg.AsyncPoolSize, "async buffers per device, the maximum queue depth")
	fs.Float64Var(&cfg.OpsPerSecond, "rate", cfg.OpsPerSecond, "max ops per second per device, 0 for unlimited")
	fs.BoolVar(&cfg.Verify, "verify", cfg.Verify, "print a digest of the transferred data")
	fs.BoolVar(&cfg.Unbuffered, "unbuffered", cfg.Unbuffered, "bypass the page cache (O_DIRECT)")
	fs.BoolVar(&cfg.Uring, "uring", cfg.Uring, "use io_uring for async I/O")
	fs.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve prometheus metrics on this address")
	fs.Uint64Var(&opts.sim, "sim", 0, "benchmark in-memory disks of this many sectors instead of real paths")
	fs.UintVar(&opts.val, "val", 0, "fill: byte value to write")
	fs.Uint64Var(&opts.start, "start", 0, "fill: first sector")
	fs.Uint64Var(&opts.count, "count", 1, "fill: number of sectors")
	fs.Parse(os.Args[1:])

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logging.New(level, os.Stderr))

	if err := cfg.Validate(); err != nil {
		slog.Error("config", "err", err)
		os.Exit(2)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(2)
	}
	if opts.val > 0xff {
		slog.Error("fill value must fit in a byte", "val", opts.val)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, fs.Arg(0), fs.Args()[1:]); err != nil {
		slog.Error(fs.Arg(0), "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, cmd string, paths []string) error {
	var metrics *bench.Metrics
	if cfg.MetricsAddr != "" {
		metrics = bench.NewMetrics(prometheus.DefaultRegisterer)
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Error("metrics server shutdown", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	var conn device.Connection
	if opts.sim > 0 {
		sc := simdev.New()
		for _, path := range paths {
			sc.Add(path, simdev.Disk{Capacity: opts.sim, Sparse: true})
		}
		conn = sc
	} else {
		fc := filedev.Connect(filedev.Options{Uring: cfg.Uring})
		defer fc.Disconnect()
		conn = fc
	}

	flags := cfg.Flags()
	switch cmd {
	case "readbench", "readasyncbench":
		flags |= device.FlagReadOnly
		return runBench(ctx, cfg, conn, paths, flags, true, cmd == "readasyncbench", metrics)
	case "writebench", "writeasyncbench":
		return runBench(ctx, cfg, conn, paths, flags, false, cmd == "writeasyncbench", metrics)
	case "info":
		return info(conn, paths, flags|device.FlagReadOnly)
	case "fill":
		return fill(conn, paths[0], flags, opts)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func runBench(ctx context.Context, cfg *config.Config, conn device.Connection, paths []string, flags device.Flags, read, async bool, m *bench.Metrics) error {
	pcfg := cfg.Pipeline(os.Stdout, m)

	var outcomes []pipeline.Outcome
	var err error
	if async {
		outcomes, err = pipeline.RunAsync(ctx, conn, paths, flags, read, pcfg)
	} else {
		outcomes, err = pipeline.RunSync(ctx, conn, paths, flags, read, pcfg)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			continue
		}
		if cfg.Verify {
			fmt.Printf("Disk[%d] - digest %016x\n", o.ID, o.Result.Digest)
		}
	}
	if err != nil { return err }
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(paths))
	}
	return nil
}

func info(conn device.Connection, paths []string, flags device.Flags) error {
	var errs []error
	for i, path := range paths {
		s, err := device.Open(conn, path, flags, i)
		if err != nil {
			fmt.Printf("Disk[%d] - Error: %v\n", i, err)
			errs = append(errs, err)
			continue
		}
		fmt.Printf("Disk[%d] %q is opened using transport mode %q.\n", i, path, s.TransportMode())
		bench.Describe(s, os.Stdout)
		if err := s.Close(); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("Disk[%d] is closed.\n", i)
	}
	return errors.Join(errs...)
}

func fill(conn device.Connection, path string, flags device.Flags, opts options) error {
	s, err := device.Open(conn, path, flags, 0)
	if err != nil { return err }
	defer s.Close()

	started := time.Now()
	if err := bench.Fill(s, opts.start, opts.count, byte(opts.val)); err != nil { return err }
	slog.Info("filled", "path", path, "start", opts.start, "count", opts.count, "val", opts.val, "elapsed", time.Since(started))
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "addr", addr, "err", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return srv
}
