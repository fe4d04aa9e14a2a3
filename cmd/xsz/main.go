package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/xszdev/xsz/pkg/compsize"
	"github.com/xszdev/xsz/pkg/config"
	"github.com/xszdev/xsz/pkg/scan"
)

// CLI is the command line surface.
type CLI struct {
	Bytes         bool     `short:"b" help:"Emit raw byte counts instead of human-readable sizes."`
	OneFileSystem bool     `short:"x" help:"Do not cross mount boundaries."`
	Jobs          int      `short:"j" default:"1" help:"Worker thread count."`
	Table         bool     `short:"t" help:"Render the report as a rounded table."`
	Spill         bool     `help:"Keep the seen-extent set on disk instead of in memory."`
	SpillDir      string   `placeholder:"DIR" help:"Directory for the spill store (default: XDG cache)."`
	LogLevel      string   `short:"l" default:"${log_level}" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`
	Paths         []string `arg:"" name:"path" type:"path" help:"Files or directories to measure."`
}

func main() {
	cfg := config.New()
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("xsz"),
		kong.Description("Measure compressed space usage of files on btrfs."),
		kong.UsageOnError(),
		kong.Vars{"log_level": cfg.LogLevel},
	)
	if cli.Jobs < 1 {
		kctx.Fatalf("--jobs must be at least 1")
	}
	logger := makeLogger(cli.LogLevel)

	spillDir := cli.SpillDir
	if spillDir == "" {
		spillDir = cfg.SpillDir
	}

	grid, err := scan.Run(cli.Paths, scan.Options{
		Jobs:          cli.Jobs,
		OneFileSystem: cli.OneFileSystem,
		Spill:         cli.Spill || cli.SpillDir != "",
		SpillDir:      spillDir,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("scan failed", "error", err)
		os.Exit(2)
	}

	scale := compsize.Human
	if cli.Bytes {
		scale = compsize.Bytes
	}
	if cli.Table {
		compsize.WriteTable(os.Stdout, &grid, scale)
	} else if err := compsize.WriteReport(os.Stdout, &grid, scale); err != nil {
		os.Exit(2)
	}
}

// makeLogger builds the stderr logger; stdout is reserved for the report.
func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
