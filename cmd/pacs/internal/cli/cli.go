// Package cli parses flags and dispatches to the pacs subcommands, mirroring
// cmd/radx/internal/cli's kong + charmbracelet/log setup.
package cli

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/tinypacs/tinypacs/internal/config"
)

const (
	appName        = "pacs"
	appDescription = "A small DIMSE PACS node: verification, storage, query/retrieve"
)

// CLI is the root command structure. Flags here apply to every subcommand;
// ConfigPaths, AET and Port additionally override the loaded Config.
type CLI struct {
	ConfigPaths []string `name:"config" short:"c" help:"Config file(s) to load, later files override earlier ones" type:"existingfile"`
	AET         string   `name:"aet" short:"a" help:"Override the node's own AE title"`
	Port        int      `name:"port" short:"p" help:"Override the node's listen port"`
	Debug       bool     `name:"debug" help:"Enable debug logging"`

	Serve ServeCmd `cmd:"" default:"1" help:"Run the PACS node (SCP server)"`
	Init  InitCmd  `cmd:"" help:"Interactively write a new config file"`
	Echo  EchoCmd  `cmd:"" help:"Send a C-ECHO to a remote AE"`
	Find  FindCmd  `cmd:"" help:"Send a C-FIND to a remote AE"`
}

// Run parses os.Args and executes the selected subcommand.
func Run(version string) error {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name(appName),
		kong.Description(appDescription),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": version},
	)

	logger := setupLogger(cli.Debug)
	cfg, err := loadConfig(cli)
	if err != nil {
		logger.Error("config load failed", "error", err)
		return err
	}

	if err := ctx.Run(logger, cfg); err != nil {
		logger.Error("command failed", "error", err)
		return err
	}
	return nil
}

// loadConfig reads and merges every -c path in order, then applies the
// -a/-p overrides, matching tiny_pacs.__main__'s override order.
func loadConfig(cli *CLI) (config.Config, error) {
	cfg := config.Default()
	for _, path := range cli.ConfigPaths {
		merged, err := config.MergeFile(cfg, path)
		if err != nil {
			return config.Config{}, fmt.Errorf("load %s: %w", path, err)
		}
		cfg = merged
	}
	if cli.AET != "" {
		cfg.AE.Title = cli.AET
	}
	if cli.Port != 0 {
		cfg.AE.ListenAddr = fmt.Sprintf(":%d", cli.Port)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogger(debug bool) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    debug,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
	log.SetDefault(logger)
	return logger
}
