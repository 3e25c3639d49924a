package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/tinypacs/tinypacs/internal/config"
)

// InitCmd interactively builds a config file, the Go port of
// tiny_pacs.questions' first-run wizard. Kept to plain bufio prompts rather
// than a TUI form library: the teacher only reaches for one of those in its
// DICOM-file-inspection commands, never for a settings wizard.
type InitCmd struct {
	Output string `name:"output" short:"o" default:"pacs.yaml" help:"Path to write the generated config file"`
}

func (c *InitCmd) Run(logger *log.Logger, _ config.Config) error {
	reader := bufio.NewScanner(os.Stdin)
	cfg := config.Default()

	cfg.AE.Title = ask(reader, "AE title", cfg.AE.Title)
	cfg.AE.ListenAddr = ask(reader, "Listen address", cfg.AE.ListenAddr)

	driver := ask(reader, "Database driver (sqlite/postgres)", cfg.Database.Driver)
	cfg.Database.Driver = driver
	if driver == "postgres" {
		cfg.Database.Host = ask(reader, "Postgres host", "localhost")
		cfg.Database.Port = askInt(reader, "Postgres port", 5432)
		cfg.Database.User = ask(reader, "Postgres user", "pacs")
		cfg.Database.Password = ask(reader, "Postgres password", "")
		cfg.Database.Database = ask(reader, "Postgres database", "pacs")
	} else {
		cfg.Database.SQLiteFile = ask(reader, "SQLite file", cfg.Database.SQLiteFile)
	}

	backend := ask(reader, "Storage backend (memory/tempfile/filesystem)", string(cfg.Storage.Backend))
	cfg.Storage.Backend = config.StorageBackend(backend)
	if cfg.Storage.Backend == config.StorageFilesystem {
		cfg.Storage.Directory = ask(reader, "Storage directory", "./storage")
	}

	cfg.AutoAdd = askBool(reader, "Auto-register unknown devices on association", cfg.AutoAdd)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.Output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", c.Output, err)
	}
	logger.Info("wrote config", "path", c.Output)
	return nil
}

func ask(reader *bufio.Scanner, prompt, def string) string {
	fmt.Printf("%s [%s]: ", prompt, def)
	if !reader.Scan() {
		return def
	}
	line := strings.TrimSpace(reader.Text())
	if line == "" {
		return def
	}
	return line
}

func askInt(reader *bufio.Scanner, prompt string, def int) int {
	s := ask(reader, prompt, strconv.Itoa(def))
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func askBool(reader *bufio.Scanner, prompt string, def bool) bool {
	s := strings.ToLower(ask(reader, prompt+" (y/n)", boolPrompt(def)))
	switch s {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

func boolPrompt(v bool) string {
	if v {
		return "y"
	}
	return "n"
}
