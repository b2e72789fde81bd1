// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements MSI interrupt domains: the domain info and ops
// records, their defaults and the interrupt domain callbacks shared by every
// MSI domain.
package msi

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// AllocInfo is the allocation argument handed down the hierarchy.
type AllocInfo struct {
	Desc  *Desc
	Hwirq uint64
	Flags uint32
	// Data is scratch space for the parent domains.
	Data any
}

// DomainOps are the optional callbacks of an MSI domain. Nil entries are
// replaced by the defaults when the domain is used.
type DomainOps struct {
	GetHwirq        func(info *DomainInfo, arg *AllocInfo) uint64
	MSIInit         func(d *irqdomain.Domain, info *DomainInfo, virq uint32, hwirq uint64, arg *AllocInfo) error
	MSIFree         func(d *irqdomain.Domain, info *DomainInfo, virq uint32)
	MSIPrepare      func(d *irqdomain.Domain, dev *device.Device, nvec uint32, arg *AllocInfo) error
	MSITeardown     func(d *irqdomain.Domain, arg *AllocInfo)
	SetDesc         func(arg *AllocInfo, desc *Desc)
	PrepareDesc     func(d *irqdomain.Domain, arg *AllocInfo, desc *Desc)
	MSIPostFree     func(d *irqdomain.Domain, dev *device.Device)
	DomainAllocIrqs func(d *irqdomain.Domain, dev *device.Device, nvec uint32) error
	DomainFreeIrqs  func(d *irqdomain.Domain, dev *device.Device)
	MSITranslate    func(d *irqdomain.Domain, spec *irqdomain.Fwspec) (uint64, uint32, error)
}

// DomainInfo is the host data of every MSI domain.
type DomainInfo struct {
	Flags       Flags
	BusToken    irqdomain.BusToken
	Hwsize      uint32
	Ops         *DomainOps
	Chip        *irqdomain.Chip
	ChipData    any
	HandlerName string
	HandlerData any
	Data        any
	AllocData   *AllocInfo
	Dev         *device.Device
}

// DomainTemplate is copied for every device domain created from it.
type DomainTemplate struct {
	Chip      irqdomain.Chip
	Ops       DomainOps
	AllocInfo AllocInfo
	Info      DomainInfo
}

// bundle is the private copy of a template owned by one device domain.
type bundle struct {
	DomainTemplate
	name string
}

func (t *DomainTemplate) clone() *bundle {
	b := &bundle{DomainTemplate: *t}
	b.Info.Chip = &b.Chip
	b.Info.Ops = &b.Ops
	b.Info.AllocData = &b.AllocInfo
	return b
}

func defaultGetHwirq(info *DomainInfo, arg *AllocInfo) uint64 {
	return arg.Hwirq
}

func defaultMSIInit(d *irqdomain.Domain, info *DomainInfo, virq uint32, hwirq uint64, arg *AllocInfo) error {
	h := d.Hierarchy()
	if err := h.SetHwirqAndChip(d, virq, hwirq, info.Chip, info.ChipData); err != nil {
		return err
	}
	if info.HandlerName != "" {
		h.SetHandler(virq, info.HandlerName, info.HandlerData)
	}
	return nil
}

func defaultMSIPrepare(d *irqdomain.Domain, dev *device.Device, nvec uint32, arg *AllocInfo) error {
	*arg = AllocInfo{}
	return nil
}

func defaultMSITeardown(d *irqdomain.Domain, arg *AllocInfo) {}

// defaultSetDesc uses the descriptor index as hardware interrupt number.
func defaultSetDesc(arg *AllocInfo, desc *Desc) {
	arg.Desc = desc
	arg.Hwirq = uint64(desc.Index)
}

// ops returns the callbacks of info with the defaults filled in.
func (info *DomainInfo) ops() DomainOps {
	var ops DomainOps
	if info.Ops != nil {
		ops = *info.Ops
	}
	if ops.GetHwirq == nil {
		ops.GetHwirq = defaultGetHwirq
	}
	if ops.MSIInit == nil {
		ops.MSIInit = defaultMSIInit
	}
	if ops.MSIPrepare == nil {
		ops.MSIPrepare = defaultMSIPrepare
	}
	if ops.MSITeardown == nil {
		ops.MSITeardown = defaultMSITeardown
	}
	if ops.SetDesc == nil {
		ops.SetDesc = defaultSetDesc
	}
	return ops
}

// GetDomainInfo returns the MSI info of d, nil if d is no MSI domain.
func GetDomainInfo(d *irqdomain.Domain) *DomainInfo {
	if d == nil {
		return nil
	}
	info, _ := d.HostData.(*DomainInfo)
	return info
}

// DomainSetAffinity is the affinity setter of MSI domain chips. It moves the
// parent and rewrites the message when the parent asks for it. The message
// is written under the descriptor lock of the owning device, which the
// caller must not hold.
func DomainSetAffinity(irqd *irqdomain.IrqData, mask *irqdomain.CPUMask, force bool) (irqdomain.SetMaskResult, error) {
	parent := irqd.Parent
	if parent == nil || parent.Chip == nil || parent.Chip.SetAffinity == nil {
		return irqdomain.SetMaskOK, errors.Wrapf(ErrNotSupported, "msi.DomainSetAffinity: virq %d", irqd.Irq)
	}
	ret, err := parent.Chip.SetAffinity(parent, mask, force)
	if err != nil {
		return ret, err
	}
	if ret != irqdomain.SetMaskOKDone {
		var msg irqdomain.MSIMsg
		if err := irqd.Domain.Hierarchy().ComposeMSIMsg(irqd, &msg); err != nil {
			return ret, err
		}
		checkLevel(irqd)
		// The message is cached in the descriptor.
		if md := dataOf(ownerDevice(irqd.Domain)); md != nil {
			md.lock()
			defer md.unlock()
		}
		writeMSIMsg(irqd, &msg)
	}
	return ret, nil
}

func writeMSIMsg(irqd *irqdomain.IrqData, msg *irqdomain.MSIMsg) {
	if irqd.Chip != nil && irqd.Chip.WriteMSIMsg != nil {
		irqd.Chip.WriteMSIMsg(irqd, msg)
	}
}

// checkLevel warns about domains claiming level support on chips without it.
func checkLevel(irqd *irqdomain.IrqData) {
	info := GetDomainInfo(irqd.Domain)
	if info == nil || info.Flags&FlagLevelCapable == 0 {
		return
	}
	if info.Chip == nil || info.Chip.Flags&irqdomain.ChipSupportsLevelMSI == 0 {
		klog.Warningf("msi: domain %s is level capable but chip is not", irqd.Domain.Name)
	}
}

// domainOps implements irqdomain.Ops for every MSI domain.
type domainOps struct{}

func allocArg(arg any) *AllocInfo {
	if a, ok := arg.(*AllocInfo); ok && a != nil {
		return a
	}
	return &AllocInfo{}
}

func (domainOps) Alloc(d *irqdomain.Domain, virq, nrIrqs uint32, arg any) error {
	info := GetDomainInfo(d)
	ops := info.ops()
	a := allocArg(arg)
	h := d.Hierarchy()
	hwirq := ops.GetHwirq(info, a)

	if _, ok := h.FindMapping(d, hwirq); ok {
		return errors.Wrapf(irqdomain.ErrExist, "msi: hwirq %d in %s", hwirq, d.Name)
	}
	if d.Parent != nil {
		if err := h.AllocIrqsParent(d, virq, nrIrqs, a); err != nil {
			return err
		}
	}
	for i := uint32(0); i < nrIrqs; i++ {
		if err := ops.MSIInit(d, info, virq+i, hwirq+uint64(i), a); err != nil {
			if ops.MSIFree != nil {
				for j := int(i) - 1; j >= 0; j-- {
					ops.MSIFree(d, info, virq+uint32(j))
				}
			}
			h.FreeIrqsTop(d, virq, nrIrqs)
			return err
		}
	}
	return nil
}

func (domainOps) Free(d *irqdomain.Domain, virq, nrIrqs uint32) {
	info := GetDomainInfo(d)
	if info.Ops != nil && info.Ops.MSIFree != nil {
		for i := uint32(0); i < nrIrqs; i++ {
			info.Ops.MSIFree(d, info, virq+i)
		}
	}
	d.Hierarchy().FreeIrqsTop(d, virq, nrIrqs)
}

func (domainOps) Activate(d *irqdomain.Domain, irqd *irqdomain.IrqData, reserve bool) error {
	var msg irqdomain.MSIMsg
	if err := d.Hierarchy().ComposeMSIMsg(irqd, &msg); err != nil {
		return errors.Wrapf(err, "msi: compose message for virq %d", irqd.Irq)
	}
	checkLevel(irqd)
	writeMSIMsg(irqd, &msg)
	klog.V(dbgLvlDeepDetail).InfoS("msi.Activate", "domain", d.Name, "virq", irqd.Irq, "msg", msg)
	return nil
}

func (domainOps) Deactivate(d *irqdomain.Domain, irqd *irqdomain.IrqData) {
	writeMSIMsg(irqd, &irqdomain.MSIMsg{})
}

func (domainOps) Translate(d *irqdomain.Domain, spec *irqdomain.Fwspec) (uint64, uint32, error) {
	info := GetDomainInfo(d)
	if info.Ops == nil || info.Ops.MSITranslate == nil {
		return 0, 0, errors.Wrapf(ErrNotSupported, "msi: translate on %s", d.Name)
	}
	return info.Ops.MSITranslate(d, spec)
}

func updateChipOps(info *DomainInfo) error {
	chip := info.Chip
	if chip == nil {
		return errors.Wrap(ErrInvalid, "msi: domain without chip")
	}
	if info.Flags&FlagUseDefChipOps != 0 && (chip.Mask == nil || chip.Unmask == nil) {
		return errors.Wrapf(ErrInvalid, "msi: chip %s lacks mask/unmask", chip.Name)
	}
	if chip.SetAffinity == nil && info.Flags&FlagNoAffinity == 0 {
		chip.SetAffinity = DomainSetAffinity
	}
	return nil
}

func createIrqDomain(h *irqdomain.Hierarchy, fwnode *irqdomain.Fwnode, info *DomainInfo,
	flags irqdomain.Flags, parent *irqdomain.Domain) (*irqdomain.Domain, error) {
	if info.Hwsize > MaxHwsize {
		return nil, errors.Wrapf(ErrInvalid, "msi: hwsize %d exceeds %d", info.Hwsize, MaxHwsize)
	}
	if info.Hwsize == 0 {
		info.Hwsize = MaxHwsize
	}
	if err := updateChipOps(info); err != nil {
		return nil, err
	}

	var owner irqdomain.Owner
	if info.Dev != nil {
		owner = info.Dev
	}
	d, err := h.CreateDomain(&irqdomain.Info{
		Name:     fwnode.Name(),
		Fwnode:   fwnode,
		Flags:    flags | irqdomain.FlagMSI,
		BusToken: info.BusToken,
		Ops:      domainOps{},
		HostData: info,
		Parent:   parent,
		Dev:      owner,
	})
	if err != nil {
		return nil, errors.Wrap(err, "msi: create domain")
	}
	return d, nil
}

// CreateIrqDomain creates a global MSI domain below parent.
func CreateIrqDomain(h *irqdomain.Hierarchy, fwnode *irqdomain.Fwnode, info *DomainInfo, parent *irqdomain.Domain) (*irqdomain.Domain, error) {
	if parent != nil {
		h = parent.Hierarchy()
	}
	if h == nil || info == nil {
		return nil, errors.Wrap(ErrInvalid, "msi.CreateIrqDomain")
	}
	return createIrqDomain(h, fwnode, info, 0, parent)
}
