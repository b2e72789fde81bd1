// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the device object the MSI layer hangs its state on,
// together with the device managed resources released at teardown.
package device

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

const (
	dbgLvlBasic  = 1
	dbgLvlInfo   = 2
	dbgLvlDetail = 3
)

var ErrDestroyed = errors.New("device: destroyed")

// Bus is the bus a device sits on.
type Bus string

const (
	BusPCI      Bus = "pci"
	BusPlatform Bus = "platform"
)

// Resource is released when the device is destroyed.
type Resource struct {
	Name    string
	Release func() error
}

// Device is a bus device able to signal interrupts by message.
type Device struct {
	name     string
	bus      Bus
	numaNode int
	fwnode   *irqdomain.Fwnode

	mu          sync.Mutex
	msiDomain   *irqdomain.Domain
	msiData     any
	msiEnabled  bool
	msixEnabled bool
	resources   []*Resource
	destroyed   bool
}

// New creates a device. The firmware node defaults to one named after the
// device.
func New(name string, bus Bus, numaNode int) *Device {
	return &Device{
		name:     name,
		bus:      bus,
		numaNode: numaNode,
		fwnode:   irqdomain.NewFwnode(name),
	}
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) NumaNode() int {
	return d.numaNode
}

func (d *Device) Bus() Bus {
	return d.bus
}

func (d *Device) IsPCI() bool {
	return d.bus == BusPCI
}

// Fwnode returns the firmware node of the device.
func (d *Device) Fwnode() *irqdomain.Fwnode {
	return d.fwnode
}

// MSIDomain returns the MSI domain the device was attached to by firmware or
// by its bus.
func (d *Device) MSIDomain() *irqdomain.Domain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msiDomain
}

func (d *Device) SetMSIDomain(dom *irqdomain.Domain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msiDomain = dom
}

// MSIData returns the MSI state attached to the device.
func (d *Device) MSIData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msiData
}

// InitMSIData attaches data as MSI state unless some is already attached.
// It returns the attached state and whether data was stored.
func (d *Device) InitMSIData(data any) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msiData != nil {
		return d.msiData, false
	}
	d.msiData = data
	return data, true
}

// ClearMSIData detaches the MSI state.
func (d *Device) ClearMSIData() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msiData = nil
}

// SetMSIMode records which PCI interrupt mode is enabled.
func (d *Device) SetMSIMode(msi, msix bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msiEnabled = msi
	d.msixEnabled = msix
}

func (d *Device) MSIEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msiEnabled
}

func (d *Device) MSIXEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msixEnabled
}

// AddResource registers r for release at teardown.
func (d *Device) AddResource(r *Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return errors.Wrapf(ErrDestroyed, "device.AddResource %s on %s", r.Name, d.name)
	}
	d.resources = append(d.resources, r)
	klog.V(dbgLvlDetail).InfoS("device.AddResource", "dev", d.name, "resource", r.Name)
	return nil
}

// RemoveResource drops r without releasing it.
func (d *Device) RemoveResource(r *Resource) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, res := range d.resources {
		if res == r {
			d.resources = append(d.resources[:i], d.resources[i+1:]...)
			return true
		}
	}
	return false
}

// ReleaseResources releases every registered resource, newest first.
func (d *Device) ReleaseResources() error {
	d.mu.Lock()
	res := d.resources
	d.resources = nil
	d.mu.Unlock()

	var err error
	for i := len(res) - 1; i >= 0; i-- {
		klog.V(dbgLvlInfo).InfoS("device.ReleaseResources", "dev", d.name, "resource", res[i].Name)
		if rerr := res[i].Release(); rerr != nil {
			err = multierr.Append(err, errors.Wrapf(rerr, "release %s", res[i].Name))
		}
	}
	return err
}

// Destroy releases the device resources. Further resources are refused.
func (d *Device) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	d.mu.Unlock()

	klog.V(dbgLvlBasic).InfoS("device.Destroy", "dev", d.name)
	return d.ReleaseResources()
}

func (d *Device) String() string {
	return d.name
}
