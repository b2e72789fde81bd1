// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package vector implements the root MSI parent domain: a bounded pool of
// CPU interrupt vectors and the local APIC style message composer.
package vector

import (
	"sync"

	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/bitmap"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/irqdomain"
	"github.com/Seagate/msi-lib/pkg/msi"
	"github.com/Seagate/msi-lib/pkg/msilib"
)

const (
	dbgLvlBasic      = 1
	dbgLvlInfo       = 2
	dbgLvlDetail     = 3
	dbgLvlDeepDetail = 4
)

const (
	// FirstExternalVector is the CPU vector backing pool entry 0.
	FirstExternalVector = 0x20
	// MaxVectors is the number of vectors above FirstExternalVector.
	MaxVectors = 256 - FirstExternalVector

	msiAddrBase      = 0xfee00000
	msiAddrDestShift = 12

	DomainName = "VECTOR"
)

var (
	ErrNoSpace   = errors.New("vector: no free vector")
	ErrNoCPU     = errors.New("vector: no online CPU in affinity")
	ErrBadConfig = errors.New("vector: invalid options")
)

// Options configure the vector domain.
type Options struct {
	Vectors  uint32 `yaml:"vectors"`
	Prefix   string `yaml:"prefix"`
	MultiMSI bool   `yaml:"multi_msi"`
	Isolated bool   `yaml:"isolated"`
}

func (o *Options) validate() error {
	if o.Vectors == 0 || o.Vectors > MaxVectors {
		return errors.Wrapf(ErrBadConfig, "vectors %d not in [1, %d]", o.Vectors, MaxVectors)
	}
	return nil
}

// apicData is the chip data of one interrupt at the vector level. cpu is -1
// while no CPU is assigned.
type apicData struct {
	vector   uint32
	cpu      int
	reserved bool
}

// Controller owns the vector pool and the MSI parent domain on top of it.
type Controller struct {
	mu     sync.Mutex
	opts   Options
	pool   bitmap.Bitmap
	h      *irqdomain.Hierarchy
	domain *irqdomain.Domain
	chip   irqdomain.Chip
}

// New creates the vector domain in h.
func New(h *irqdomain.Hierarchy, opts Options) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		opts: opts,
		pool: bitmap.New(opts.Vectors),
		h:    h,
	}
	c.chip = irqdomain.Chip{
		Name:          "APIC",
		ComposeMSIMsg: c.composeMSIMsg,
		SetAffinity:   c.setAffinity,
	}

	supported := msilib.CommonFlagsMask | msi.FlagPCIMSIXAllocDyn
	if opts.MultiMSI {
		supported |= msi.FlagMultiPCIMSI
	}
	var flags irqdomain.Flags
	if opts.Isolated {
		flags |= irqdomain.FlagIsolatedMSI
	}
	d, err := msi.CreateParentDomain(h, &irqdomain.Info{
		Name:   DomainName,
		Fwnode: irqdomain.AllocNamedFwnode(DomainName),
		Size:   opts.Vectors,
		Flags:  flags,
		Ops:    c,
	}, &msi.ParentOps{
		Prefix:         opts.Prefix,
		BusSelectToken: irqdomain.BusNexus,
		BusSelectMask:  msi.MatchPCIMSI | msi.MatchPlatformMSI,
		SupportedFlags: supported,
		RequiredFlags:  msilib.RequiredFlags | msi.FlagMustReactivate,
		ChipFlags:      msi.ParentChipSetAck,
		InitDevMSIInfo: msilib.InitDevMSIInfo,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vector.New")
	}
	c.domain = d
	klog.V(dbgLvlInfo).InfoS("vector.New", "vectors", opts.Vectors, "prefix", opts.Prefix, "multiMSI", opts.MultiMSI)
	return c, nil
}

// Domain returns the MSI parent domain devices are attached to.
func (c *Controller) Domain() *irqdomain.Domain {
	return c.domain
}

// Used returns the number of vectors handed out.
func (c *Controller) Used() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.GetNumOnes()
}

// Available returns the number of free vectors.
func (c *Controller) Available() uint32 {
	return c.opts.Vectors - c.Used()
}

func (c *Controller) grab() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.pool.FirstZero(0)
	if err != nil || v >= c.opts.Vectors {
		return 0, ErrNoSpace
	}
	c.pool.Add(v)
	return v, nil
}

func (c *Controller) release(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Remove(v)
}

// Alloc hands out one vector per interrupt. Vectors may be reserved until
// activation.
func (c *Controller) Alloc(d *irqdomain.Domain, virq, nrIrqs uint32, arg any) error {
	for i := uint32(0); i < nrIrqs; i++ {
		v, err := c.grab()
		if err == nil {
			err = c.h.SetHwirqAndChip(d, virq+i, uint64(v), &c.chip, &apicData{vector: v, cpu: -1})
			if err != nil {
				c.release(v)
			}
		}
		if err != nil {
			klog.V(dbgLvlBasic).InfoS("vector.Alloc failed", "virq", virq+i, "used", c.Used(), "err", err)
			c.Free(d, virq, i)
			return err
		}
		c.h.IrqData(d, virq+i).SetCanReserve()
	}
	klog.V(dbgLvlDetail).InfoS("vector.Alloc", "virq", virq, "nr", nrIrqs)
	return nil
}

// Free returns the vectors of [virq, virq+nrIrqs).
func (c *Controller) Free(d *irqdomain.Domain, virq, nrIrqs uint32) {
	for i := uint32(0); i < nrIrqs; i++ {
		irqd := c.h.IrqData(d, virq+i)
		if irqd == nil {
			continue
		}
		if ad, ok := irqd.ChipData.(*apicData); ok {
			c.release(ad.vector)
		}
	}
	c.h.FreeIrqsTop(d, virq, nrIrqs)
}

// Activate targets the vector at the first online CPU of the interrupt
// affinity. A reserving activation only marks the vector reserved.
func (c *Controller) Activate(d *irqdomain.Domain, irqd *irqdomain.IrqData, reserve bool) error {
	ad, ok := irqd.ChipData.(*apicData)
	if !ok {
		return errors.Wrapf(irqdomain.ErrInvalid, "vector: virq %d has no vector", irqd.Irq)
	}
	if reserve {
		ad.reserved = true
		ad.cpu = -1
		klog.V(dbgLvlDeepDetail).InfoS("vector.Activate reserved", "virq", irqd.Irq, "vector", ad.vector)
		return nil
	}
	mask := irqd.AffinityMask()
	cpu, err := c.pickCPU(&mask)
	if err != nil {
		return errors.Wrapf(err, "vector: virq %d", irqd.Irq)
	}
	ad.cpu = cpu
	ad.reserved = false
	klog.V(dbgLvlDeepDetail).InfoS("vector.Activate", "virq", irqd.Irq, "vector", ad.vector, "cpu", cpu)
	return nil
}

func (c *Controller) Deactivate(d *irqdomain.Domain, irqd *irqdomain.IrqData) {
	if ad, ok := irqd.ChipData.(*apicData); ok {
		ad.cpu = -1
	}
}

func (c *Controller) pickCPU(mask *irqdomain.CPUMask) (int, error) {
	online := c.h.OnlineCPUs()
	var target irqdomain.CPUMask
	for i := range target {
		target[i] = mask[i] & online[i]
	}
	cpu := irqdomain.FirstCPU(&target)
	if cpu < 0 {
		return -1, ErrNoCPU
	}
	return cpu, nil
}

func (c *Controller) composeMSIMsg(irqd *irqdomain.IrqData, msg *irqdomain.MSIMsg) error {
	ad, ok := irqd.ChipData.(*apicData)
	if !ok {
		return errors.Wrapf(irqdomain.ErrInvalid, "vector: virq %d has no vector", irqd.Irq)
	}
	// Reserved vectors point at CPU 0 until they are really activated.
	cpu := ad.cpu
	if cpu < 0 {
		cpu = 0
	}
	*msg = irqdomain.MSIMsg{
		AddressLo: msiAddrBase | uint32(cpu)<<msiAddrDestShift,
		Data:      FirstExternalVector + ad.vector,
	}
	return nil
}

func (c *Controller) setAffinity(irqd *irqdomain.IrqData, mask *irqdomain.CPUMask, force bool) (irqdomain.SetMaskResult, error) {
	ad, ok := irqd.ChipData.(*apicData)
	if !ok {
		return irqdomain.SetMaskOK, errors.Wrapf(irqdomain.ErrInvalid, "vector: virq %d has no vector", irqd.Irq)
	}
	cpu, err := c.pickCPU(mask)
	if err != nil {
		return irqdomain.SetMaskOK, err
	}
	irqd.SetAffinityMask(*mask)
	if !ad.reserved {
		ad.cpu = cpu
	}
	klog.V(dbgLvlDetail).InfoS("vector.SetAffinity", "virq", irqd.Irq, "cpu", cpu, "force", force)
	return irqdomain.SetMaskOK, nil
}

// Target returns the CPU and CPU vector of the interrupt at virq in the
// vector domain, cpu -1 if it is reserved or inactive.
func (c *Controller) Target(virq uint32) (cpu int, vector uint32, ok bool) {
	irqd := c.h.IrqData(c.domain, virq)
	if irqd == nil {
		return -1, 0, false
	}
	ad, ok := irqd.ChipData.(*apicData)
	if !ok {
		return -1, 0, false
	}
	return ad.cpu, FirstExternalVector + ad.vector, true
}
