// blockdedup is an offline, block-level deduplicator for filesystems that
// support range deduplication (btrfs, XFS with reflink).
//
// It walks one directory tree on one filesystem, finds byte-identical spans
// of at least 64 KiB at 4 KiB granularity, and asks the filesystem to share
// their storage. Without --execute it only reports what it would do.
//
// Usage:
//
//	blockdedup [flags] <root>
//
// Flags:
//
//	-x, --execute          Deduplicate instead of simulating
//	-c, --config string    Path to configuration file (default: ~/.config/blockdedup/config.yaml)
//	    --exclude strings  Extra gitignore-style exclude patterns
//	    --summary string   Write the JSON run summary to this path
//	    --punch-holes      Punch holes over all-zero blocks (execute mode)
//	-v, --verbose          Enable verbose logging
//	    --version          Print version and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"gitlab.com/tinyland/lab/blockdedup/config"
	"gitlab.com/tinyland/lab/blockdedup/dedupe"
	"gitlab.com/tinyland/lab/blockdedup/monitor"
	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
	"gitlab.com/tinyland/lab/blockdedup/report"
	"gitlab.com/tinyland/lab/blockdedup/walk"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("blockdedup", flag.ContinueOnError)
	var (
		execute     = fs.BoolP("execute", "x", false, "Deduplicate instead of simulating")
		configPath  = fs.StringP("config", "c", "", "Path to configuration file")
		excludes    = fs.StringSlice("exclude", nil, "Extra gitignore-style exclude patterns")
		summaryPath = fs.String("summary", "", "Write the JSON run summary to this path")
		punchHoles  = fs.Bool("punch-holes", false, "Punch holes over all-zero blocks (execute mode)")
		verbose     = fs.BoolP("verbose", "v", false, "Enable verbose logging")
		showVersion = fs.Bool("version", false, "Print version and exit")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blockdedup [flags] <root>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if *showVersion {
		fmt.Printf("blockdedup %s (%s) built %s\n", version, commit, date)
		return exitOK
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	root := fs.Arg(0)

	// Load configuration first to get log file path
	if *configPath == "" {
		*configPath = config.DefaultPath()
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitUsage
	}
	cfg.Scan.Exclude = append(cfg.Scan.Exclude, *excludes...)
	if *summaryPath != "" {
		cfg.Report.SummaryPath = *summaryPath
	}
	if fs.Changed("punch-holes") {
		cfg.Execute.PunchZeroBlocks = *punchHoles
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config %s: %v\n", *configPath, err)
		return exitUsage
	}

	// Setup logging - write to stderr and, if configured, the log file
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if err := ensureLogDir(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
			return exitFatal
		}
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			return exitFatal
		}
		defer logFile.Close()
		out = io.MultiWriter(os.Stderr, logFile)
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	}))

	mode := dedupe.ModeSimulate
	if *execute {
		mode = dedupe.ModeExecute
	}

	walker, err := walk.New(root, walk.Options{
		Exclude:    cfg.Scan.Exclude,
		IgnoreFile: cfg.Scan.IgnoreFile,
		MinSize:    cfg.Scan.MinFileSize,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("invalid scan root", "root", root, "error", err)
		return exitUsage
	}

	vol, err := monitor.Inspect(walker.Root())
	if err != nil {
		logger.Warn("failed to inspect volume", "root", walker.Root(), "error", err)
	} else {
		logger.Info("volume status",
			"mountpoint", vol.Mountpoint,
			"fstype", vol.Fstype,
			"free", humanize.IBytes(vol.Free),
			"used_percent", fmt.Sprintf("%.1f%%", vol.UsedPercent),
		)
		if mode == dedupe.ModeExecute && !monitor.DedupeCapable(vol.Fstype) {
			logger.Warn("filesystem type is not known to support deduplication", "fstype", vol.Fstype)
		}
	}

	// Wire the reporting sink
	bus := report.NewBus(cfg.Report.EventBuffer)
	bus.Subscribe("log", report.NewLogSubscriber(logger).Handle)
	metrics := report.NewMetricsSubscriber()
	bus.Subscribe("metrics", metrics.Handle)
	if cfg.Report.SummaryPath != "" {
		bus.Subscribe("summary", report.NewSummaryWriter(cfg.Report.SummaryPath, logger).Handle)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := dedupe.Options{
		Mode:            mode,
		Root:            walker.Root(),
		Device:          walker.Device(),
		MaxOpenFiles:    cfg.Scan.MaxOpenFiles,
		MaxRequestBytes: cfg.Execute.MaxRequestBytes,
		PunchZeroBlocks: cfg.Execute.PunchZeroBlocks,
		Logger:          logger,
		Events:          bus,
	}
	if vol != nil {
		opts.Fstype = vol.Fstype
	}
	summary, runErr := dedupe.New(opts).Run(ctx, walker)
	bus.Close()

	st := walker.Stats()
	logger.Debug("walk finished",
		"files", st.Files,
		"excluded", st.Excluded,
		"hard_links", st.HardLinks,
		"small", st.Small,
		"other", st.Other,
		"mounts", st.Mounts,
		"unreadable", st.Unreadable,
	)

	if cfg.Report.MetricsPath != "" {
		if err := metrics.Flush(cfg.Report.MetricsPath); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.Report.MetricsPath, "error", err)
		}
	}

	if runErr != nil {
		switch {
		case errors.Is(runErr, context.Canceled):
			logger.Warn("run interrupted; regions already deduplicated stay deduplicated")
			return exitInterrupted
		case errors.Is(runErr, fsops.ErrNotSupported):
			logger.Error("filesystem does not support range deduplication", "root", walker.Root(), "error", runErr)
		default:
			logger.Error("run aborted", "error", runErr)
		}
		return exitFatal
	}

	summary.Format(os.Stdout)
	if vol != nil && mode == dedupe.ModeExecute {
		before := vol.Free
		if err := vol.Refresh(); err == nil && vol.Free > before {
			logger.Info("free space gained", "bytes", humanize.IBytes(vol.Free-before))
		}
	}
	return exitOK
}

func ensureLogDir(logFile string) error {
	dir := filepath.Dir(logFile)
	return os.MkdirAll(dir, 0755)
}
