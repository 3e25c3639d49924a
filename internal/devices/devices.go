// Package devices implements the AE-title device registry: a lookup table
// of known remote Application Entities, auto-populated from incoming
// associations, that the C-MOVE and Storage Commitment flows use to
// resolve a destination AE title to a network endpoint.
package devices

import (
	"sync"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
)

// ChannelDeviceByAE is a SendOne/SendAny channel: (aeTitle string) -> *Endpoint or nil.
const ChannelDeviceByAE bus.Channel = "device-by-ae"

// ChannelAssociationRequest mirrors the front-end's association-accepted
// channel; Devices subscribes to it to auto-register the calling AE.
const ChannelAssociationRequest bus.Channel = "on-assoc-request"

// Endpoint is a known remote Application Entity.
type Endpoint struct {
	AETitle string
	Address string
	Port    int
}

// Devices is the device registry component.
type Devices struct {
	component.Base
	component.DefaultLifecycle

	mu          sync.RWMutex
	devices     map[string]Endpoint
	autoAdd     bool
	defaultPort int
}

// Config configures the Devices component, mirroring tiny_pacs.devices'
// constructor arguments.
type Config struct {
	Devices     map[string]Endpoint
	AutoAdd     bool
	DefaultPort int
}

// New constructs a Devices component bound to b and subscribes its
// channels. DefaultPort falls back to 11112 (the DICOM well-known port),
// matching the Python default.
func New(b *bus.Bus, cfg Config) *Devices {
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = 11112
	}
	devs := make(map[string]Endpoint, len(cfg.Devices))
	for k, v := range cfg.Devices {
		devs[k] = v
	}

	d := &Devices{
		Base:        component.NewBase(b, nil, "devices"),
		devices:     devs,
		autoAdd:     cfg.AutoAdd,
		defaultPort: cfg.DefaultPort,
	}
	d.Bind(d)
	d.Subscribe(ChannelDeviceByAE, d.deviceByAE)
	if d.autoAdd {
		d.Subscribe(ChannelAssociationRequest, d.addFromAssociation)
	}
	return d
}

func (d *Devices) deviceByAE(args ...any) (any, error) {
	aet, _ := args[0].(string)
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.devices[aet]
	if !ok {
		return nil, nil
	}
	return &ep, nil
}

// addFromAssociation is subscribed to ChannelAssociationRequest with
// arguments (callingAET string, remoteAddr string). It registers the
// calling AE only if it is not already known, matching
// tiny_pacs.devices.add_device_from_asce.
func (d *Devices) addFromAssociation(args ...any) (any, error) {
	callingAET, _ := args[0].(string)
	remoteAddr, _ := args[1].(string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, known := d.devices[callingAET]; known {
		return nil, nil
	}
	d.devices[callingAET] = Endpoint{
		AETitle: callingAET,
		Address: remoteAddr,
		Port:    d.defaultPort,
	}
	d.Log.Info("registered new device", "aet", callingAET, "address", remoteAddr)
	return nil, nil
}
