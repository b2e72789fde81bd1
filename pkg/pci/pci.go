// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package pci enables MSI and MSI-X interrupts of PCI functions on top of
// the per device MSI domains.
package pci

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
	"github.com/Seagate/msi-lib/pkg/msi"
)

const (
	dbgLvlBasic      = 1
	dbgLvlInfo       = 2
	dbgLvlDetail     = 3
	dbgLvlDeepDetail = 4
)

const (
	// MaxMSIVectors is the largest multi message capability.
	MaxMSIVectors = 32
	// MaxMSIXVectors is the largest MSI-X table.
	MaxMSIXVectors = 2048
)

var (
	ErrBusy         = errors.New("pci: interrupt mode already enabled")
	ErrNotEnabled   = errors.New("pci: interrupt mode not enabled")
	ErrNoCapability = errors.New("pci: capability not present")
	ErrInvalid      = errors.New("pci: invalid argument")
)

// Options describe the interrupt capabilities of a function.
type Options struct {
	// MSIVectors is the multi message capable count, 0 without MSI.
	MSIVectors uint32 `yaml:"msi_vectors"`
	MSIMask    bool   `yaml:"msi_mask"`
	Is64       bool   `yaml:"is_64"`
	// MSIXTableSize is the MSI-X table size, 0 without MSI-X.
	MSIXTableSize uint32 `yaml:"msix_table_size"`
	// Virtual functions cannot mask MSI-X entries.
	Virtual bool `yaml:"virtual"`
}

func (o *Options) validate() error {
	if o.MSIVectors > MaxMSIVectors || o.MSIVectors&(o.MSIVectors-1) != 0 {
		return errors.Wrapf(ErrInvalid, "msi vectors %d", o.MSIVectors)
	}
	if o.MSIXTableSize > MaxMSIXVectors {
		return errors.Wrapf(ErrInvalid, "msix table size %d", o.MSIXTableSize)
	}
	return nil
}

// Dev is a PCI function with its interrupt capabilities.
type Dev struct {
	BDF      BDF
	VendorID uint16
	DeviceID uint16

	opts Options
	dev  *device.Device
	// mu guards the mask bits of the descriptors.
	mu sync.Mutex
}

// New creates the function at bdf. Its interrupts go to the MSI parent
// parent.
func New(bdf BDF, vendor, devid uint16, numaNode int, parent *irqdomain.Domain, opts Options) (*Dev, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrapf(err, "pci.New %s", bdf)
	}
	d := &Dev{
		BDF:      bdf,
		VendorID: vendor,
		DeviceID: devid,
		opts:     opts,
		dev:      device.New(bdf.String(), device.BusPCI, numaNode),
	}
	d.dev.SetMSIDomain(parent)
	klog.V(dbgLvlInfo).InfoS("pci.New", "bdf", bdf, "vendor", hex(vendor), "device", hex(devid), "opts", opts)
	return d, nil
}

func hex(a any) string {
	return fmt.Sprintf("%X", a)
}

// Device returns the generic device of the function.
func (d *Dev) Device() *device.Device {
	return d.dev
}

// Options returns the capabilities of the function.
func (d *Dev) Options() Options {
	return d.opts
}

// Describe names the function using r.
func (d *Dev) Describe(r *IDResolver) string {
	return fmt.Sprintf("%s %s %s", d.BDF.Short(), r.VendorName(d.VendorID), r.ProductName(d.VendorID, d.DeviceID))
}

// Destroy frees every interrupt of the function.
func (d *Dev) Destroy() error {
	d.dev.SetMSIMode(false, false)
	return d.dev.Destroy()
}

// maskBit is the bit of irqd in the mask register of its descriptor.
func maskBit(irqd *irqdomain.IrqData, desc *msi.Desc) uint32 {
	if desc.PCI.IsMSIX {
		return 1
	}
	return 1 << (irqd.Irq - desc.Irq)
}

func (d *Dev) setMask(irqd *irqdomain.IrqData, masked bool) {
	desc := msi.DescOf(irqd)
	if desc == nil || !desc.PCI.CanMask {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if masked {
		desc.PCI.MaskBits |= maskBit(irqd, desc)
	} else {
		desc.PCI.MaskBits &^= maskBit(irqd, desc)
	}
	klog.V(dbgLvlDeepDetail).InfoS("pci.setMask", "bdf", d.BDF, "virq", irqd.Irq, "mask", hex(desc.PCI.MaskBits))
}

// Masked reports whether the vector of irqd is masked in the function.
func (d *Dev) Masked(irqd *irqdomain.IrqData) bool {
	desc := msi.DescOf(irqd)
	if desc == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return desc.PCI.MaskBits&maskBit(irqd, desc) != 0
}

func (d *Dev) chip(name string) irqdomain.Chip {
	return irqdomain.Chip{
		Name:   name,
		Flags:  irqdomain.ChipOneshotSafe,
		Mask:   func(irqd *irqdomain.IrqData) { d.setMask(irqd, true) },
		Unmask: func(irqd *irqdomain.IrqData) { d.setMask(irqd, false) },
		WriteMSIMsg: func(irqd *irqdomain.IrqData, m *irqdomain.MSIMsg) {
			if desc := msi.DescOf(irqd); desc != nil {
				desc.Msg = *m
			}
		},
	}
}

func (d *Dev) msiTemplate() *msi.DomainTemplate {
	return &msi.DomainTemplate{
		Chip: d.chip("PCI-MSI"),
		Info: msi.DomainInfo{
			BusToken: irqdomain.BusPCIDeviceMSI,
			Flags:    msi.FlagFreeMSIDescs | msi.FlagActivateEarly | msi.FlagMultiPCIMSI,
		},
	}
}

func (d *Dev) msixTemplate() *msi.DomainTemplate {
	return &msi.DomainTemplate{
		Chip: d.chip("PCI-MSIX"),
		Ops: msi.DomainOps{
			// Dynamically allocated entries get their PCI attributes here.
			PrepareDesc: func(_ *irqdomain.Domain, _ *msi.AllocInfo, desc *msi.Desc) {
				if desc.PCI.IsMSIX {
					return
				}
				desc.PCI.IsMSIX = true
				desc.PCI.IsVirtual = d.opts.Virtual
				desc.PCI.CanMask = !d.opts.Virtual
				if desc.PCI.CanMask {
					desc.PCI.MaskBits = 1
				}
			},
		},
		Info: msi.DomainInfo{
			BusToken: irqdomain.BusPCIDeviceMSIX,
			Flags: msi.FlagFreeMSIDescs | msi.FlagActivateEarly | msi.FlagPCIMSIX |
				msi.FlagPCIMSIXAllocDyn,
		},
	}
}

// setupDeviceDomain makes sure the default device domain is of type token.
func (d *Dev) setupDeviceDomain(token irqdomain.BusToken, tmpl *msi.DomainTemplate, hwsize uint32) error {
	if msi.MatchDeviceIrqDomain(d.dev, msi.DefaultDomain, token) {
		return nil
	}
	msi.RemoveDeviceIrqDomain(d.dev, msi.DefaultDomain)
	if err := msi.CreateDeviceIrqDomain(d.dev, msi.DefaultDomain, tmpl, hwsize, nil, d); err != nil {
		return errors.Wrapf(err, "pci: %s device domain", d.BDF)
	}
	return nil
}

func (d *Dev) domainFlags() msi.Flags {
	return msi.GetDomainInfo(msi.DeviceDomain(d.dev, msi.DefaultDomain)).Flags
}

func (d *Dev) checkRange(minvec, maxvec uint32) error {
	if d.dev.MSIEnabled() || d.dev.MSIXEnabled() {
		return errors.Wrapf(ErrBusy, "pci: %s", d.BDF)
	}
	if minvec == 0 || maxvec < minvec {
		return errors.Wrapf(ErrInvalid, "pci: %s vector range [%d, %d]", d.BDF, minvec, maxvec)
	}
	return nil
}

func log2Ceil(n uint32) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len32(n - 1))
}

// EnableMSIRange enables MSI with between minvec and maxvec vectors and
// returns the number granted. affinity, if given, holds one entry per
// vector.
//
// Without multi MSI support in the parent a single vector is used. The
// vector count is halved while the parent cannot serve it.
func (d *Dev) EnableMSIRange(minvec, maxvec uint32, affinity []irqdomain.AffinityDesc) (uint32, error) {
	if err := d.checkRange(minvec, maxvec); err != nil {
		return 0, err
	}
	if d.opts.MSIVectors == 0 {
		return 0, errors.Wrapf(ErrNoCapability, "pci: %s has no MSI", d.BDF)
	}
	nvec := maxvec
	if nvec > d.opts.MSIVectors {
		nvec = d.opts.MSIVectors
	}
	if nvec < minvec {
		return 0, errors.Wrapf(msi.ErrNoSpace, "pci: %s supports %d MSI vectors", d.BDF, d.opts.MSIVectors)
	}

	if err := d.setupDeviceDomain(irqdomain.BusPCIDeviceMSI, d.msiTemplate(), 1); err != nil {
		return 0, err
	}
	if d.domainFlags()&msi.FlagMultiPCIMSI == 0 {
		nvec = 1
		if minvec > 1 {
			return 0, errors.Wrapf(msi.ErrNoSpace, "pci: %s parent has no multi MSI", d.BDF)
		}
	}

	for {
		err := d.msiCapabilityInit(nvec, affinity)
		if err == nil {
			d.dev.SetMSIMode(true, false)
			klog.V(dbgLvlInfo).InfoS("pci.EnableMSIRange", "bdf", d.BDF, "nvec", nvec)
			return nvec, nil
		}
		if !errors.Is(err, msi.ErrRetryMulti) {
			return 0, err
		}
		klog.V(dbgLvlBasic).InfoS("pci.EnableMSIRange retry", "bdf", d.BDF, "nvec", nvec)
		nvec /= 2
		if nvec < minvec {
			return 0, errors.Wrapf(msi.ErrNoSpace, "pci: %s below %d MSI vectors", d.BDF, minvec)
		}
	}
}

func (d *Dev) msiCapabilityInit(nvec uint32, affinity []irqdomain.AffinityDesc) error {
	desc := &msi.Desc{
		Index:    0,
		NvecUsed: uint16(nvec),
		Affinity: affinity,
		PCI: msi.PCIAttrs{
			CanMask:     d.opts.MSIMask,
			Is64:        d.opts.Is64,
			MultiCap:    log2Ceil(d.opts.MSIVectors),
			MultiEnable: log2Ceil(nvec),
		},
	}
	// All vectors start masked.
	if desc.PCI.CanMask {
		desc.PCI.MaskBits = uint32(1<<nvec - 1)
	}
	return msi.WithDescsLocked(d.dev, func() error {
		if err := msi.InsertMSIDesc(d.dev, msi.DefaultDomain, desc); err != nil {
			return err
		}
		return msi.AllocIrqsAllLocked(d.dev, msi.DefaultDomain, nvec)
	})
}

// DisableMSI frees the MSI vectors of the function.
func (d *Dev) DisableMSI() error {
	if !d.dev.MSIEnabled() {
		return errors.Wrapf(ErrNotEnabled, "pci: %s MSI", d.BDF)
	}
	msi.FreeIrqsAll(d.dev, msi.DefaultDomain)
	d.dev.SetMSIMode(false, false)
	klog.V(dbgLvlInfo).InfoS("pci.DisableMSI", "bdf", d.BDF)
	return nil
}

// EnableMSIXRange enables MSI-X with between minvec and maxvec table
// entries and returns the number granted. When the parent runs out the
// number of entries it could serve is tried again.
func (d *Dev) EnableMSIXRange(minvec, maxvec uint32, affinity []irqdomain.AffinityDesc) (uint32, error) {
	if err := d.checkRange(minvec, maxvec); err != nil {
		return 0, err
	}
	if d.opts.MSIXTableSize == 0 {
		return 0, errors.Wrapf(ErrNoCapability, "pci: %s has no MSI-X", d.BDF)
	}
	nvec := maxvec
	if nvec > d.opts.MSIXTableSize {
		nvec = d.opts.MSIXTableSize
	}
	if nvec < minvec {
		return 0, errors.Wrapf(msi.ErrNoSpace, "pci: %s has %d MSI-X entries", d.BDF, d.opts.MSIXTableSize)
	}
	if affinity != nil && uint32(len(affinity)) < nvec {
		return 0, errors.Wrapf(ErrInvalid, "pci: %s %d affinity entries for %d vectors", d.BDF, len(affinity), nvec)
	}

	if err := d.setupDeviceDomain(irqdomain.BusPCIDeviceMSIX, d.msixTemplate(), d.opts.MSIXTableSize); err != nil {
		return 0, err
	}

	for {
		err := d.msixCapabilityInit(nvec, affinity)
		if err == nil {
			d.dev.SetMSIMode(false, true)
			klog.V(dbgLvlInfo).InfoS("pci.EnableMSIXRange", "bdf", d.BDF, "nvec", nvec)
			return nvec, nil
		}
		var pe *msi.PartialAllocError
		if !errors.As(err, &pe) {
			return 0, err
		}
		if uint32(pe.Allocated) < minvec {
			return 0, errors.Wrapf(msi.ErrNoSpace, "pci: %s only %d MSI-X vectors", d.BDF, pe.Allocated)
		}
		klog.V(dbgLvlBasic).InfoS("pci.EnableMSIXRange retry", "bdf", d.BDF, "nvec", nvec, "allocated", pe.Allocated)
		nvec = uint32(pe.Allocated)
	}
}

func (d *Dev) msixCapabilityInit(nvec uint32, affinity []irqdomain.AffinityDesc) error {
	return msi.WithDescsLocked(d.dev, func() error {
		for i := uint32(0); i < nvec; i++ {
			desc := &msi.Desc{
				Index:    i,
				NvecUsed: 1,
				PCI: msi.PCIAttrs{
					IsMSIX:    true,
					IsVirtual: d.opts.Virtual,
					CanMask:   !d.opts.Virtual,
					Is64:      true,
				},
			}
			if desc.PCI.CanMask {
				desc.PCI.MaskBits = 1
			}
			if affinity != nil {
				desc.Affinity = affinity[i : i+1]
			}
			if err := msi.InsertMSIDesc(d.dev, msi.DefaultDomain, desc); err != nil {
				msi.FreeMSIDescsRange(d.dev, msi.DefaultDomain, 0, nvec-1)
				return err
			}
		}
		return msi.AllocIrqsAllLocked(d.dev, msi.DefaultDomain, nvec)
	})
}

// DisableMSIX frees every MSI-X vector of the function.
func (d *Dev) DisableMSIX() error {
	if !d.dev.MSIXEnabled() {
		return errors.Wrapf(ErrNotEnabled, "pci: %s MSI-X", d.BDF)
	}
	msi.FreeIrqsAll(d.dev, msi.DefaultDomain)
	d.dev.SetMSIMode(false, false)
	klog.V(dbgLvlInfo).InfoS("pci.DisableMSIX", "bdf", d.BDF)
	return nil
}

// MSIXCanAllocDyn reports whether MSI-X entries can be added while MSI-X is
// enabled.
func (d *Dev) MSIXCanAllocDyn() bool {
	if !d.dev.MSIXEnabled() {
		return false
	}
	return d.domainFlags()&msi.FlagPCIMSIXAllocDyn != 0
}

// MSIXAllocIrqAt adds the MSI-X entry index, or the lowest free one for
// msi.AnyIndex, to an enabled function.
func (d *Dev) MSIXAllocIrqAt(index uint32, affinity *irqdomain.AffinityDesc) (msi.Map, error) {
	if !d.MSIXCanAllocDyn() {
		return msi.Map{}, errors.Wrapf(msi.ErrNotSupported, "pci: %s dynamic MSI-X", d.BDF)
	}
	m, err := msi.AllocIrqAt(d.dev, msi.DefaultDomain, index, affinity, nil)
	if err != nil {
		return msi.Map{}, errors.Wrapf(err, "pci: %s MSI-X entry", d.BDF)
	}
	klog.V(dbgLvlDetail).InfoS("pci.MSIXAllocIrqAt", "bdf", d.BDF, "index", m.Index, "virq", m.Virq)
	return m, nil
}

// MSIXFreeIrq frees an entry allocated with MSIXAllocIrqAt.
func (d *Dev) MSIXFreeIrq(m msi.Map) error {
	if !d.MSIXCanAllocDyn() {
		return errors.Wrapf(msi.ErrNotSupported, "pci: %s dynamic MSI-X", d.BDF)
	}
	if m.Virq == 0 || msi.GetVirq(d.dev, m.Index) != m.Virq {
		return errors.Wrapf(ErrInvalid, "pci: %s MSI-X entry %d virq %d", d.BDF, m.Index, m.Virq)
	}
	msi.FreeIrqsRange(d.dev, msi.DefaultDomain, m.Index, m.Index)
	return nil
}

// IrqVector returns the virq of vector nr, 0 if there is none.
func (d *Dev) IrqVector(nr uint32) uint32 {
	if !d.dev.MSIEnabled() && !d.dev.MSIXEnabled() {
		return 0
	}
	return msi.GetVirq(d.dev, nr)
}

// Vectors returns a snapshot of the allocated descriptors.
func (d *Dev) Vectors() []msi.Desc {
	return msi.Descriptors(d.dev, msi.DefaultDomain, msi.FilterAssociated)
}
