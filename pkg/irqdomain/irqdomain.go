// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the interrupt domain objects of the hierarchy: bus
// tokens, domain flags, firmware nodes and the domain itself.
package irqdomain

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	dbgLvlBasic      = 1
	dbgLvlInfo       = 2
	dbgLvlDetail     = 3
	dbgLvlDeepDetail = 4
)

var (
	ErrNoSpace      = errors.New("irqdomain: no space")
	ErrExist        = errors.New("irqdomain: mapping exists")
	ErrInvalid      = errors.New("irqdomain: invalid argument")
	ErrNotSupported = errors.New("irqdomain: operation not supported")
)

// BusToken identifies which bus semantics a domain implements.
type BusToken int

const (
	BusAny BusToken = iota
	BusWired
	BusGenericMSI
	BusPCIMSI
	BusPlatformMSI
	BusNexus
	BusIPI
	BusFSLMCMSI
	BusTIInta
	BusWakeup
	BusVMDMSI
	BusPCIDeviceMSI
	BusPCIDeviceMSIX
	BusDMAR
	BusAMDVI
	BusDeviceMSI
	BusWiredToMSI
)

var busTokenNames = map[BusToken]string{
	BusAny:           "ANY",
	BusWired:         "WIRED",
	BusGenericMSI:    "GENERIC_MSI",
	BusPCIMSI:        "PCI_MSI",
	BusPlatformMSI:   "PLATFORM_MSI",
	BusNexus:         "NEXUS",
	BusIPI:           "IPI",
	BusFSLMCMSI:      "FSL_MC_MSI",
	BusTIInta:        "TI_SCI_INTA_MSI",
	BusWakeup:        "WAKEUP",
	BusVMDMSI:        "VMD_MSI",
	BusPCIDeviceMSI:  "PCI_DEVICE_MSI",
	BusPCIDeviceMSIX: "PCI_DEVICE_MSIX",
	BusDMAR:          "DMAR",
	BusAMDVI:         "AMDVI",
	BusDeviceMSI:     "DEVICE_MSI",
	BusWiredToMSI:    "WIRED_TO_MSI",
}

func (b BusToken) String() string {
	if s, ok := busTokenNames[b]; ok {
		return s
	}
	return fmt.Sprintf("BusToken(%d)", int(b))
}

// IsPCI reports whether the token belongs to the PCI MSI family.
func (b BusToken) IsPCI() bool {
	switch b {
	case BusPCIMSI, BusPCIDeviceMSI, BusPCIDeviceMSIX, BusVMDMSI:
		return true
	}
	return false
}

// Flags are the generic domain flags.
type Flags uint32

const (
	FlagHierarchy Flags = 1 << iota
	FlagIPIPerCPU
	FlagIPISingle
	FlagMSI
	FlagIsolatedMSI
	FlagNoMap
	FlagMSIParent
	FlagMSIDevice
)

// Fwnode is the firmware handle a domain is registered under.
type Fwnode struct {
	name  string
	named bool
}

// AllocNamedFwnode returns a software firmware node carrying name.
func AllocNamedFwnode(name string) *Fwnode {
	if name == "" {
		return nil
	}
	return &Fwnode{name: name, named: true}
}

// NewFwnode returns a firmware node describing a real device.
func NewFwnode(name string) *Fwnode {
	return &Fwnode{name: name}
}

// FreeFwnode releases a node obtained from AllocNamedFwnode. Nodes of real
// devices are left alone.
func FreeFwnode(f *Fwnode) {
	if f == nil || !f.named {
		return
	}
	f.name = ""
	f.named = false
}

func (f *Fwnode) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

func (f *Fwnode) IsNamed() bool {
	return f != nil && f.named
}

// Fwspec is a firmware interrupt specifier handed to Translate.
type Fwspec struct {
	Fwnode *Fwnode
	Param  []uint32
}

// Owner is the device a domain is created for.
type Owner interface {
	Name() string
	NumaNode() int
}

// Ops are the callbacks a domain implementation provides to the hierarchy.
type Ops interface {
	Alloc(d *Domain, virq, nrIrqs uint32, arg any) error
	Free(d *Domain, virq, nrIrqs uint32)
	Activate(d *Domain, irqd *IrqData, reserve bool) error
	Deactivate(d *Domain, irqd *IrqData)
}

// Translator is implemented by Ops which can decode firmware specifiers.
type Translator interface {
	Translate(d *Domain, spec *Fwspec) (hwirq uint64, typ uint32, err error)
}

// Info describes a domain to be instantiated.
type Info struct {
	Name     string
	Fwnode   *Fwnode
	Size     uint32
	HwirqMax uint64
	Flags    Flags
	BusToken BusToken
	Ops      Ops
	HostData any
	Parent   *Domain
	Dev      Owner
}

// Domain is one level of the interrupt hierarchy.
type Domain struct {
	Name     string
	Fwnode   *Fwnode
	Flags    Flags
	BusToken BusToken
	Parent   *Domain
	HostData any
	Ops      Ops
	Dev      Owner
	HwirqMax uint64

	// MSIParentOps holds the MSI parent callbacks of FlagMSIParent domains.
	MSIParentOps any

	h       *Hierarchy
	revmap  map[uint64]uint32
	removed bool
}

func (d *Domain) Hierarchy() *Hierarchy {
	return d.h
}

func (d *Domain) IsMSIParent() bool {
	return d != nil && d.Flags&FlagMSIParent != 0
}

func (d *Domain) IsMSIDevice() bool {
	return d != nil && d.Flags&FlagMSIDevice != 0
}

func (d *Domain) IsHierarchy() bool {
	return d != nil && d.Flags&FlagHierarchy != 0
}

// UpdateBusToken changes the bus token the domain is matched with.
func (d *Domain) UpdateBusToken(token BusToken) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.BusToken = token
}

// Translate decodes spec through the domain ops.
func (d *Domain) Translate(spec *Fwspec) (uint64, uint32, error) {
	t, ok := d.Ops.(Translator)
	if !ok {
		return 0, 0, errors.Wrapf(ErrNotSupported, "domain %s has no translate", d.Name)
	}
	return t.Translate(d, spec)
}

func (d *Domain) String() string {
	if d == nil {
		return "<nil>"
	}
	return d.Name
}
