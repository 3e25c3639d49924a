package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codeninja55/go-radx/dimse/scp"

	"github.com/tinypacs/tinypacs/cmd/pacs/internal/contexts"
	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/config"
	"github.com/tinypacs/tinypacs/internal/db"
	"github.com/tinypacs/tinypacs/internal/devices"
	"github.com/tinypacs/tinypacs/internal/frontend"
	"github.com/tinypacs/tinypacs/internal/query"
	"github.com/tinypacs/tinypacs/internal/storageindex"
)

// ServeCmd runs the PACS node: it wires every component onto one bus, opens
// the database, and listens for DIMSE associations until interrupted.
// Wiring order mirrors tiny_pacs.server.Server: construct every component
// (each only registers channel subscriptions), broadcast on-start (the
// database opens its connection and creates every component's tables), only
// then build the DIMSE front-end and start its accept loop, broadcast
// on-started, and block until a shutdown signal arrives.
type ServeCmd struct{}

const shutdownGrace = 10 * time.Second

func (c *ServeCmd) Run(logger *log.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	database := db.New(b, cfg.DBConfig())
	devices.New(b, cfg.DevicesConfig())
	storageIdx := storageindex.FromDatabase(database)
	if err := newStorageBackend(b, cfg, storageIdx); err != nil {
		return err
	}
	query.New(b)

	if _, err := b.Broadcast(bus.OnStart, ctx); err != nil {
		return fmt.Errorf("on-start: %w", err)
	}

	front := frontend.New(b, cfg.AE.Title)
	server, err := scp.NewServer(scp.Config{
		AETitle:           cfg.AE.Title,
		ListenAddr:        cfg.AE.ListenAddr,
		MaxPDULength:      cfg.AE.MaxPDULength,
		SupportedContexts: contexts.Supported(),
		EchoHandler:       front,
		StoreHandler:      front,
		FindHandler:       front,
		GetHandler:        front,
		MoveHandler:       front,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := server.Listen(ctx); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.AE.ListenAddr, err)
	}
	logger.Info("pacs node listening", "aet", cfg.AE.Title, "addr", cfg.AE.ListenAddr)

	b.BroadcastNoThrow(bus.OnStarted, ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	b.BroadcastNoThrow(bus.OnExit, shutdownCtx)
	if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return nil
}

// newStorageBackend constructs whichever storageindex.Backend cfg.Storage
// selects; each constructor self-registers its bus subscriptions.
func newStorageBackend(b *bus.Bus, cfg config.Config, idx storageindex.Index) error {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		storageindex.NewMemory(b, idx)
	case config.StorageTempFile:
		storageindex.NewTempFile(b, idx)
	case config.StorageFilesystem:
		storageindex.NewFilesystem(b, idx, cfg.Storage.Directory)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return nil
}
