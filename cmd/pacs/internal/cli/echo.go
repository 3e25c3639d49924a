package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codeninja55/go-radx/dicom/uid"
	"github.com/codeninja55/go-radx/dimse/dul"
	"github.com/codeninja55/go-radx/dimse/scu"

	"github.com/tinypacs/tinypacs/internal/config"
)

// EchoCmd sends a single C-ECHO to a remote AE, the Go port of
// tiny_pacs.client's verification call.
type EchoCmd struct {
	CalledAE string        `arg:"" help:"Called AE title"`
	Host     string        `arg:"" help:"Remote host"`
	Port     int           `arg:"" help:"Remote port"`
	Timeout  time.Duration `name:"timeout" default:"10s" help:"Operation timeout"`
}

func (c *EchoCmd) Run(logger *log.Logger, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	client := scu.NewClient(scu.Config{
		CallingAETitle: cfg.AE.Title,
		CalledAETitle:  c.CalledAE,
		RemoteAddr:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		PresentationContexts: []dul.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   uid.VerificationSOPClass.String(),
			TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String()},
		}},
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", c.CalledAE, err)
	}
	defer client.Close(ctx)

	if err := client.Echo(ctx); err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	logger.Info("echo succeeded", "called-ae", c.CalledAE)
	return nil
}
