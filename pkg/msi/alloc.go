// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements interrupt allocation for device domains.
package msi

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// ctrl is the index range an allocation or free operates on. nirqs may
// exceed the range for PCI multi MSI.
type ctrl struct {
	domid uint32
	first uint32
	last  uint32
	nirqs uint32
}

const (
	virqCanReserve = 1 << iota
	virqActivate
)

func (md *deviceData) validate(dev *device.Device, c ctrl) error {
	if c.domid >= MaxDeviceDomains {
		return errors.Wrapf(ErrInvalid, "msi: domain id %d", c.domid)
	}
	if dev.MSIDomain() != nil && md.slots[c.domid].domain == nil {
		return errors.Wrapf(ErrNoDomain, "msi: %s domain %d", dev.Name(), c.domid)
	}
	hwsize := md.hwsize(c.domid)
	if c.first > c.last || c.first >= hwsize || c.last >= hwsize {
		return errors.Wrapf(ErrOutOfRange, "msi: range [%d, %d] of domain %d, hwsize %d", c.first, c.last, c.domid, hwsize)
	}
	return nil
}

// addSimpleDescs inserts one single vector descriptor per index of the
// range. On failure the descriptors inserted here are erased again.
func (md *deviceData) addSimpleDescs(dev *device.Device, c ctrl) error {
	var added []uint32
	for idx := c.first; idx <= c.last; idx++ {
		desc, err := newDesc(dev, 1, nil)
		if err == nil {
			_, err = md.insertDesc(desc, c.domid, idx)
		}
		if err != nil {
			for _, i := range added {
				md.slots[c.domid].store.erase(i)
			}
			return err
		}
		added = append(added, idx)
	}
	return nil
}

func (md *deviceData) checkReservationMode(domain *irqdomain.Domain, info *DomainInfo, domid uint32) bool {
	if !domain.BusToken.IsPCI() {
		return false
	}
	if info.Flags&FlagMustReactivate == 0 {
		return false
	}
	if info.Flags&FlagNoMask != 0 {
		return false
	}
	// The first descriptor speaks for all: MSI-X can always mask.
	desc := md.slots[domid].store.min()
	if desc == nil {
		return false
	}
	return desc.PCI.IsMSIX || desc.PCI.CanMask
}

func handlePCIFail(domain *irqdomain.Domain, desc *Desc, allocated int) error {
	if !domain.BusToken.IsPCI() {
		return ErrNoSpace
	}
	if desc.NvecUsed > 1 {
		return ErrRetryMulti
	}
	if allocated > 0 {
		return &PartialAllocError{Allocated: allocated}
	}
	return ErrNoSpace
}

func initVirq(domain *irqdomain.Domain, virq uint32, vflags int) error {
	h := domain.Hierarchy()
	irqd := h.IrqData(domain, virq)
	if irqd == nil {
		return errors.Wrapf(ErrInvalid, "msi: virq %d not in %s", virq, domain.Name)
	}

	if vflags&virqCanReserve == 0 {
		irqd.ClearCanReserve()
		// Managed interrupts without an online target stay shut down.
		if irqd.IsManaged() {
			mask := irqd.AffinityMask()
			online := h.OnlineCPUs()
			if !irqdomain.MaskIntersects(&mask, &online) {
				irqd.SetManagedShutdown()
				return nil
			}
		}
	}
	if vflags&virqActivate == 0 {
		return nil
	}
	if err := h.ActivateIrq(irqd, vflags&virqCanReserve != 0); err != nil {
		return err
	}
	// Reserved interrupts get their real vector at request time.
	if vflags&virqCanReserve != 0 {
		irqd.ClearActivated()
	}
	return nil
}

func populateAllocInfo(domain *irqdomain.Domain, dev *device.Device, nirqs uint32, arg *AllocInfo) error {
	info := GetDomainInfo(domain)
	if info.AllocData == nil {
		return info.ops().MSIPrepare(domain, dev, nirqs, arg)
	}
	*arg = *info.AllocData
	return nil
}

func (md *deviceData) allocIrqs(dev *device.Device, domain *irqdomain.Domain, c ctrl) error {
	info := GetDomainInfo(domain)
	ops := info.ops()
	h := domain.Hierarchy()

	arg := &AllocInfo{}
	if err := populateAllocInfo(domain, dev, c.nirqs, arg); err != nil {
		return errors.Wrapf(err, "msi: prepare %s", domain.Name)
	}

	vflags := 0
	// PCI needs the entries activated before MSI is enabled in the device.
	if info.Flags&FlagActivateEarly != 0 {
		vflags |= virqActivate
	}
	if md.checkReservationMode(domain, info, c.domid) {
		vflags |= virqCanReserve
	}

	allocated := 0
	for _, desc := range md.slots[c.domid].store.collect(c.first, c.last, FilterNotAssociated) {
		if uint32(allocated) >= c.nirqs {
			klog.Warningf("msi: %s more descriptors than the %d requested interrupts", dev.Name(), c.nirqs)
			return errors.Wrap(ErrInvalid, "msi: descriptor count exceeds request")
		}
		if ops.PrepareDesc != nil {
			ops.PrepareDesc(domain, arg, desc)
		}
		ops.SetDesc(arg, desc)

		virq, err := h.AllocIrqs(domain, uint32(desc.NvecUsed), dev.NumaNode(), arg, desc.Affinity)
		if err != nil {
			klog.V(dbgLvlBasic).InfoS("msi: hierarchy allocation failed", "dev", dev.Name(), "domain", domain.Name,
				"index", desc.Index, "nvec", desc.NvecUsed, "err", err)
			return handlePCIFail(domain, desc, allocated)
		}

		desc.Irq = virq
		desc.domain = domain
		for i := uint32(0); i < uint32(desc.NvecUsed); i++ {
			if err := h.SetMSIDesc(virq+i, desc); err != nil {
				return err
			}
			if err := initVirq(domain, virq+i, vflags); err != nil {
				return errors.Wrapf(err, "msi: init virq %d", virq+i)
			}
		}
		klog.V(dbgLvlDetail).InfoS("msi: allocated", "dev", dev.Name(), "domain", domain.Name,
			"index", desc.Index, "virq", virq, "nvec", desc.NvecUsed)
		allocated++
	}
	return nil
}

func (md *deviceData) allocCore(dev *device.Device, c ctrl) error {
	if err := md.validate(dev, c); err != nil {
		return err
	}
	domain := md.getDeviceDomain(c.domid)
	if domain == nil {
		return errors.Wrapf(ErrNoDomain, "msi: %s domain %d", dev.Name(), c.domid)
	}
	info := GetDomainInfo(domain)

	if info.Flags&FlagAllocSimpleMSIDescs != 0 {
		if err := md.addSimpleDescs(dev, c); err != nil {
			return err
		}
	}

	if ops := info.ops(); ops.DomainAllocIrqs != nil {
		return ops.DomainAllocIrqs(domain, dev, c.nirqs)
	}
	return md.allocIrqs(dev, domain, c)
}

// allocLocked allocates c and frees the whole range again on failure.
func (md *deviceData) allocLocked(dev *device.Device, c ctrl) error {
	err := md.allocCore(dev, c)
	if err != nil {
		md.freeLocked(dev, c)
	}
	return err
}

func lockedData(dev *device.Device, op string) (*deviceData, error) {
	md := dataOf(dev)
	if md == nil {
		return nil, errors.Wrapf(ErrInvalid, "msi.%s: device has no MSI data", op)
	}
	md.assertHeld(op)
	return md, nil
}

// AllocIrqsRangeLocked allocates interrupts for the descriptors of
// [first, last] of domain domid. The descriptor lock must be held.
func AllocIrqsRangeLocked(dev *device.Device, domid, first, last uint32) error {
	md, err := lockedData(dev, "AllocIrqsRangeLocked")
	if err != nil {
		return err
	}
	return md.allocLocked(dev, ctrl{domid: domid, first: first, last: last, nirqs: last + 1 - first})
}

// AllocIrqsRange allocates interrupts for the descriptors of [first, last].
func AllocIrqsRange(dev *device.Device, domid, first, last uint32) error {
	md := dataOf(dev)
	if md == nil {
		return errors.Wrap(ErrInvalid, "msi.AllocIrqsRange: device has no MSI data")
	}
	md.lock()
	defer md.unlock()
	return AllocIrqsRangeLocked(dev, domid, first, last)
}

// AllocIrqsAllLocked allocates interrupts for every unassociated descriptor
// of domain domid, nirqs in total. The descriptor lock must be held.
func AllocIrqsAllLocked(dev *device.Device, domid uint32, nirqs uint32) error {
	md, err := lockedData(dev, "AllocIrqsAllLocked")
	if err != nil {
		return err
	}
	if domid >= MaxDeviceDomains {
		return errors.Wrapf(ErrInvalid, "msi.AllocIrqsAllLocked: domain id %d", domid)
	}
	return md.allocLocked(dev, ctrl{domid: domid, first: 0, last: md.hwsize(domid) - 1, nirqs: nirqs})
}

func (md *deviceData) allocIrqAtLocked(dev *device.Device, domid, index uint32,
	affinity *irqdomain.AffinityDesc, cookie InstanceCookie) (Map, error) {
	domain := md.getDeviceDomain(domid)
	if domain == nil {
		return Map{}, errors.Wrapf(ErrNoDomain, "msi: %s domain %d", dev.Name(), domid)
	}

	var aff []irqdomain.AffinityDesc
	if affinity != nil {
		aff = []irqdomain.AffinityDesc{*affinity}
	}
	desc, err := newDesc(dev, 1, aff)
	if err != nil {
		return Map{}, err
	}
	desc.Cookie = cookie

	idx, err := md.insertDesc(desc, domid, index)
	if err != nil {
		return Map{}, err
	}

	c := ctrl{domid: domid, first: idx, last: idx, nirqs: 1}
	if err := md.allocIrqs(dev, domain, c); err != nil {
		md.freeLocked(dev, c)
		if md.slots[domid].store.load(idx) == desc && !desc.Associated() {
			md.slots[domid].store.erase(idx)
		}
		return Map{}, err
	}
	return Map{Index: idx, Virq: desc.Irq}, nil
}

// AllocIrqAt allocates one interrupt at index of domain domid, or at the
// lowest free index for AnyIndex. affinity and cookie are optional.
func AllocIrqAt(dev *device.Device, domid, index uint32, affinity *irqdomain.AffinityDesc, cookie InstanceCookie) (Map, error) {
	md := dataOf(dev)
	if md == nil {
		return Map{}, errors.Wrap(ErrInvalid, "msi.AllocIrqAt: device has no MSI data")
	}
	if domid >= MaxDeviceDomains {
		return Map{}, errors.Wrapf(ErrInvalid, "msi.AllocIrqAt: domain id %d", domid)
	}
	md.lock()
	defer md.unlock()
	return md.allocIrqAtLocked(dev, domid, index, affinity, cookie)
}

func ownerDevice(domain *irqdomain.Domain) *device.Device {
	if domain == nil {
		return nil
	}
	dev, _ := domain.Dev.(*device.Device)
	return dev
}

// DeviceDomainAllocWired allocates an interrupt for the wired interrupt hwirq
// of trigger type typ on a wired to MSI device domain. The hardware number
// is kept in the descriptor cookie, the index is the lowest free one.
func DeviceDomainAllocWired(domain *irqdomain.Domain, hwirq, typ uint32) (uint32, error) {
	dev := ownerDevice(domain)
	if dev == nil || domain.BusToken != irqdomain.BusWiredToMSI {
		klog.Warningf("msi.DeviceDomainAllocWired: %s is no wired to MSI device domain", domain)
		return 0, errors.Wrap(ErrInvalid, "msi.DeviceDomainAllocWired")
	}
	md := dataOf(dev)
	if md == nil {
		return 0, errors.Wrap(ErrInvalid, "msi.DeviceDomainAllocWired: device has no MSI data")
	}
	md.lock()
	defer md.unlock()
	if md.getDeviceDomain(DefaultDomain) != domain {
		klog.Warningf("msi.DeviceDomainAllocWired: %s is not the default domain of %s", domain, dev.Name())
		return 0, errors.Wrap(ErrInvalid, "msi.DeviceDomainAllocWired")
	}
	m, err := md.allocIrqAtLocked(dev, DefaultDomain, AnyIndex, nil, WiredCookie{Type: typ, Hwirq: hwirq})
	if err != nil {
		return 0, err
	}
	return m.Virq, nil
}
