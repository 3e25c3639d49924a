// Package config loads and validates the node's configuration: the local
// AE title, listen address, database connection, storage backend choice,
// and the static device table. Grounded on
// cmd/radx/internal/config.GlobalConfig's kong+validator approach, extended
// to the nested YAML document tiny_pacs.config reads at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tinypacs/tinypacs/internal/db"
	"github.com/tinypacs/tinypacs/internal/devices"
)

// StorageBackend selects which storageindex.Backend implementation the
// node runs, mirroring tiny_pacs.config's storage.kind setting.
type StorageBackend string

const (
	StorageMemory     StorageBackend = "memory"
	StorageTempFile   StorageBackend = "tempfile"
	StorageFilesystem StorageBackend = "filesystem"
)

// AEConfig describes the node's own Application Entity identity.
type AEConfig struct {
	Title        string `yaml:"title" json:"title" validate:"required"`
	ListenAddr   string `yaml:"listen_addr" json:"listen_addr" validate:"required"`
	MaxPDULength uint32 `yaml:"max_pdu_length" json:"max_pdu_length"`
}

// DatabaseConfig mirrors db.Config with YAML/JSON tags and validation.
type DatabaseConfig struct {
	Driver     string `yaml:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`
	SQLiteFile string `yaml:"sqlite_file" json:"sqlite_file"`
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	User       string `yaml:"user" json:"user"`
	Password   string `yaml:"password" json:"password"`
	Database   string `yaml:"database" json:"database"`
	SSLMode    string `yaml:"ssl_mode" json:"ssl_mode"`
}

// StorageConfig selects and configures the artifact storage backend.
type StorageConfig struct {
	Backend   StorageBackend `yaml:"backend" json:"backend" validate:"required,oneof=memory tempfile filesystem"`
	Directory string         `yaml:"directory" json:"directory"` // required when Backend == filesystem
}

// DeviceConfig is one statically-configured remote AE, mirroring
// tiny_pacs.config's devices table.
type DeviceConfig struct {
	AETitle string `yaml:"ae_title" json:"ae_title" validate:"required"`
	Address string `yaml:"address" json:"address" validate:"required"`
	Port    int    `yaml:"port" json:"port"`
}

// LogConfig is the "log" section of the config document. It is loaded and
// validated only; the CLI sets the log level from its --debug flag and does
// not read these fields.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Config is the complete node configuration document.
type Config struct {
	AE       AEConfig       `yaml:"ae" json:"ae" validate:"required"`
	Database DatabaseConfig `yaml:"database" json:"database" validate:"required"`
	Storage  StorageConfig  `yaml:"storage" json:"storage" validate:"required"`
	Devices  []DeviceConfig `yaml:"devices" json:"devices"`
	AutoAdd  bool           `yaml:"auto_add_devices" json:"auto_add_devices"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// Default returns a Config usable out of the box: SQLite in the current
// directory, in-memory storage, info logging, auto-registering devices.
func Default() Config {
	return Config{
		AE: AEConfig{
			Title:        "TINYPACS",
			ListenAddr:   ":11112",
			MaxPDULength: 16384,
		},
		Database: DatabaseConfig{
			Driver:     string(db.DriverSQLite),
			SQLiteFile: "tinypacs.db",
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		AutoAdd: true,
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads a YAML document from path, merges it over Default(), and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	cfg, err := MergeFile(cfg, path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// MergeFile unmarshals the JSON or YAML document at path (dispatched on
// file extension) onto base, so that fields the document doesn't set keep
// base's value. Callers loading several config files in sequence pass each
// successive file's result back in as the next call's base, so later files
// only override what they mention.
func MergeFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &base); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &base); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return base, nil
}

// Validate runs struct-tag validation plus the one cross-field rule
// go-playground/validator tags can't express: a filesystem backend needs a
// directory.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Storage.Backend == StorageFilesystem && c.Storage.Directory == "" {
		return fmt.Errorf("storage.directory is required when storage.backend is %q", StorageFilesystem)
	}
	return nil
}

// DBConfig converts the database section to the db package's Config.
func (c Config) DBConfig() db.Config {
	return db.Config{
		Driver:     db.Driver(c.Database.Driver),
		SQLiteFile: c.Database.SQLiteFile,
		Host:       c.Database.Host,
		Port:       c.Database.Port,
		User:       c.Database.User,
		Password:   c.Database.Password,
		Database:   c.Database.Database,
		SSLMode:    c.Database.SSLMode,
	}
}

// DevicesConfig converts to the devices package's Config.
func (c Config) DevicesConfig() devices.Config {
	eps := make(map[string]devices.Endpoint, len(c.Devices))
	for _, d := range c.Devices {
		eps[d.AETitle] = devices.Endpoint{AETitle: d.AETitle, Address: d.Address, Port: d.Port}
	}
	return devices.Config{Devices: eps, AutoAdd: c.AutoAdd}
}
