package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/element"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/uid"
	"github.com/codeninja55/go-radx/dicom/value"
	"github.com/codeninja55/go-radx/dicom/vr"
	"github.com/codeninja55/go-radx/dimse/dul"
	"github.com/codeninja55/go-radx/dimse/scu"

	"github.com/tinypacs/tinypacs/internal/config"
	"github.com/tinypacs/tinypacs/internal/query/model"
)

// FindCmd sends a single C-FIND to a remote AE and prints every matching
// dataset's identifying attributes, the Go port of tiny_pacs.client's query
// call.
type FindCmd struct {
	CalledAE string `arg:"" help:"Called AE title"`
	Host     string `arg:"" help:"Remote host"`
	Port     int    `arg:"" help:"Remote port"`

	Level       string        `name:"level" default:"STUDY" help:"Query/Retrieve level: PATIENT, STUDY, SERIES, IMAGE"`
	PatientID   string        `name:"patient-id" help:"Filter by Patient ID"`
	StudyUID    string        `name:"study-uid" help:"Filter by Study Instance UID"`
	Modality    string        `name:"modality" help:"Filter by Modality"`
	Timeout     time.Duration `name:"timeout" default:"30s" help:"Operation timeout"`
}

func (c *FindCmd) Run(logger *log.Logger, cfg config.Config) error {
	if _, ok := model.QRLevelFromString(c.Level); !ok {
		return fmt.Errorf("unsupported level %q", c.Level)
	}

	query, err := c.buildQuery()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	client := scu.NewClient(scu.Config{
		CallingAETitle: cfg.AE.Title,
		CalledAETitle:  c.CalledAE,
		RemoteAddr:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		PresentationContexts: []dul.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   uid.StudyRootQueryRetrieveInformationModelFind.String(),
			TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String()},
		}},
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", c.CalledAE, err)
	}
	defer client.Close(ctx)

	count := 0
	err = client.Find(ctx, c.Level, uid.StudyRootQueryRetrieveInformationModelFind.String(), query, func(result *dicom.DataSet) error {
		count++
		printResult(result)
		return nil
	})
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	logger.Info("find complete", "matches", count)
	return nil
}

func (c *FindCmd) buildQuery() (*dicom.DataSet, error) {
	ds := dicom.NewDataSet()
	if err := addString(ds, model.TagQueryRetrieveLevel, vr.CodeString, c.Level); err != nil {
		return nil, err
	}
	if c.PatientID != "" {
		if err := addString(ds, model.TagPatientID, vr.LongString, c.PatientID); err != nil {
			return nil, err
		}
	}
	if c.StudyUID != "" {
		if err := addString(ds, model.TagStudyInstanceUID, vr.UniqueIdentifier, c.StudyUID); err != nil {
			return nil, err
		}
	}
	if c.Modality != "" {
		if err := addString(ds, model.TagModality, vr.CodeString, c.Modality); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func addString(ds *dicom.DataSet, t tag.Tag, vrCode vr.VR, s string) error {
	val, err := value.NewStringValue(vrCode, []string{s})
	if err != nil {
		return fmt.Errorf("build value for %s: %w", t, err)
	}
	elem, err := element.NewElement(t, vrCode, val)
	if err != nil {
		return fmt.Errorf("build element for %s: %w", t, err)
	}
	return ds.Add(elem)
}

func printResult(ds *dicom.DataSet) {
	for _, el := range ds.Elements() {
		fmt.Printf("  %s = %v\n", el.Name(), el.Value())
	}
	fmt.Println("  ---")
}
