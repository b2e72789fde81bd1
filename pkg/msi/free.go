// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package msi

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// freeDescIrqs deactivates and frees the interrupts bound to desc.
func freeDescIrqs(domain *irqdomain.Domain, desc *Desc) {
	h := domain.Hierarchy()
	for i := uint32(0); i < uint32(desc.NvecUsed); i++ {
		irqd := h.IrqData(domain, desc.Irq+i)
		if irqd != nil && irqd.IsActivated() {
			h.DeactivateIrq(irqd)
		}
	}
	h.FreeIrqs(desc.Irq, uint32(desc.NvecUsed))
	klog.V(dbgLvlDetail).InfoS("msi: freed", "domain", domain.Name, "index", desc.Index, "virq", desc.Irq, "nvec", desc.NvecUsed)
	desc.Irq = 0
	desc.domain = nil
}

func (md *deviceData) freeIrqs(domain *irqdomain.Domain, c ctrl) {
	for _, desc := range md.slots[c.domid].store.collect(c.first, c.last, FilterAssociated) {
		freeDescIrqs(domain, desc)
	}
}

func (md *deviceData) freeLocked(dev *device.Device, c ctrl) {
	if err := md.validate(dev, c); err != nil {
		klog.Warningf("msi: free on %s: %v", dev.Name(), err)
		return
	}
	domain := md.getDeviceDomain(c.domid)
	if domain == nil {
		return
	}
	info := GetDomainInfo(domain)
	ops := info.ops()

	if ops.DomainFreeIrqs != nil {
		ops.DomainFreeIrqs(domain, dev)
	} else {
		md.freeIrqs(domain, c)
	}
	if ops.MSIPostFree != nil {
		ops.MSIPostFree(domain, dev)
	}
	if info.Flags&FlagFreeMSIDescs != 0 {
		md.eraseDescsLocked(dev, c.domid, c.first, c.last)
	}
}

// FreeIrqsRangeLocked frees the interrupts of the descriptors of
// [first, last] of domain domid. The descriptor lock must be held.
func FreeIrqsRangeLocked(dev *device.Device, domid, first, last uint32) {
	md, err := lockedData(dev, "FreeIrqsRangeLocked")
	if err != nil {
		klog.Warningf("msi.FreeIrqsRangeLocked: %v", err)
		return
	}
	md.freeLocked(dev, ctrl{domid: domid, first: first, last: last})
}

// FreeIrqsRange frees the interrupts of the descriptors of [first, last].
func FreeIrqsRange(dev *device.Device, domid, first, last uint32) {
	md := dataOf(dev)
	if md == nil {
		return
	}
	md.lock()
	defer md.unlock()
	FreeIrqsRangeLocked(dev, domid, first, last)
}

// FreeIrqsAllLocked frees every interrupt of domain domid. The descriptor
// lock must be held.
func FreeIrqsAllLocked(dev *device.Device, domid uint32) {
	md, err := lockedData(dev, "FreeIrqsAllLocked")
	if err != nil || domid >= MaxDeviceDomains {
		klog.Warningf("msi.FreeIrqsAllLocked: domain %d: %v", domid, err)
		return
	}
	md.freeLocked(dev, ctrl{domid: domid, first: 0, last: md.hwsize(domid) - 1})
}

// FreeIrqsAll frees every interrupt of domain domid.
func FreeIrqsAll(dev *device.Device, domid uint32) {
	md := dataOf(dev)
	if md == nil {
		return
	}
	md.lock()
	defer md.unlock()
	FreeIrqsAllLocked(dev, domid)
}

// DeviceDomainFreeWired frees an interrupt allocated by
// DeviceDomainAllocWired.
func DeviceDomainFreeWired(domain *irqdomain.Domain, virq uint32) error {
	dev := ownerDevice(domain)
	if dev == nil || domain.BusToken != irqdomain.BusWiredToMSI {
		return errors.Wrap(ErrInvalid, "msi.DeviceDomainFreeWired: no wired to MSI device domain")
	}
	desc, _ := domain.Hierarchy().MSIDesc(virq).(*Desc)
	if desc == nil {
		return errors.Wrapf(ErrInvalid, "msi.DeviceDomainFreeWired: virq %d has no descriptor", virq)
	}
	md := dataOf(dev)
	if md == nil {
		return errors.Wrap(ErrInvalid, "msi.DeviceDomainFreeWired: device has no MSI data")
	}
	md.lock()
	defer md.unlock()
	if md.getDeviceDomain(DefaultDomain) != domain {
		klog.Warningf("msi.DeviceDomainFreeWired: %s is not the default domain of %s", domain, dev.Name())
		return errors.Wrap(ErrInvalid, "msi.DeviceDomainFreeWired")
	}
	md.freeLocked(dev, ctrl{domid: DefaultDomain, first: desc.Index, last: desc.Index})
	return nil
}
