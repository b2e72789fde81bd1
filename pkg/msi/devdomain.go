// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements per device MSI domains: creation under negotiation
// with the MSI parent of the device, removal and lookup.
package msi

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// CreateDeviceIrqDomain creates the device domain domid of dev from
// template, below the MSI parent domain of dev.
//
// The domain is named "<prefix><chip name>-<device name>", the prefix being
// supplied by the parent. hwsize 0 grants the full index space. domainData
// and chipData end up in the domain info.
//
// The domain is removed with RemoveDeviceIrqDomain or when dev is
// destroyed.
func CreateDeviceIrqDomain(dev *device.Device, domid uint32, template *DomainTemplate,
	hwsize uint32, domainData, chipData any) error {
	if dev == nil || template == nil {
		return errors.Wrap(ErrInvalid, "msi.CreateDeviceIrqDomain")
	}
	parent := dev.MSIDomain()
	pops := ParentOpsOf(parent)
	if !parent.IsMSIParent() || pops == nil {
		return errors.Wrapf(ErrNotSupported, "msi.CreateDeviceIrqDomain: %s has no MSI parent", dev.Name())
	}
	if domid >= MaxDeviceDomains {
		return errors.Wrapf(ErrConflict, "msi.CreateDeviceIrqDomain: domain id %d", domid)
	}
	if hwsize > MaxHwsize {
		return errors.Wrapf(ErrInvalid, "msi.CreateDeviceIrqDomain: hwsize %d", hwsize)
	}
	if md := dataOf(dev); md != nil {
		md.lock()
		busy := md.slots[domid].domain != nil
		md.unlock()
		if busy {
			return errors.Wrapf(ErrConflict, "msi.CreateDeviceIrqDomain: %s domain %d", dev.Name(), domid)
		}
	}

	b := template.clone()
	b.Info.Hwsize = hwsize
	b.Info.Data = domainData
	b.Info.ChipData = chipData
	b.Info.Dev = dev

	b.name = fmt.Sprintf("%s%s-%s", pops.Prefix, b.Chip.Name, dev.Name())
	b.Chip.Name = b.name

	if pops.InitDevMSIInfo == nil || !pops.InitDevMSIInfo(dev, parent, parent, &b.Info) {
		klog.V(dbgLvlBasic).InfoS("msi.CreateDeviceIrqDomain: parent refused", "dev", dev.Name(), "parent", parent.Name, "domain", b.name)
		return errors.Wrapf(ErrUnsupported, "msi.CreateDeviceIrqDomain: %s", b.name)
	}

	var fwnode *irqdomain.Fwnode
	if b.Info.Flags&FlagUseDevFwnode == 0 {
		fwnode = irqdomain.AllocNamedFwnode(b.name)
	} else {
		fwnode = dev.Fwnode()
	}
	if fwnode == nil {
		return errors.Wrapf(ErrNoMemory, "msi.CreateDeviceIrqDomain: fwnode for %s", b.name)
	}

	if err := SetupDeviceData(dev); err != nil {
		irqdomain.FreeFwnode(fwnode)
		return err
	}
	md := dataOf(dev)
	md.lock()
	defer md.unlock()

	if md.slots[domid].domain != nil {
		irqdomain.FreeFwnode(fwnode)
		klog.Warningf("msi.CreateDeviceIrqDomain: %s domain %d created concurrently", dev.Name(), domid)
		return errors.Wrapf(ErrConflict, "msi.CreateDeviceIrqDomain: %s domain %d", dev.Name(), domid)
	}

	domain, err := createIrqDomain(parent.Hierarchy(), fwnode, &b.Info, irqdomain.FlagMSIDevice, parent)
	if err != nil {
		irqdomain.FreeFwnode(fwnode)
		return err
	}
	md.slots[domid].domain = domain

	if err := b.Info.ops().MSIPrepare(domain, dev, hwsize, &b.AllocInfo); err != nil {
		md.slots[domid].domain = nil
		parent.Hierarchy().RemoveDomain(domain)
		irqdomain.FreeFwnode(fwnode)
		return errors.Wrapf(err, "msi.CreateDeviceIrqDomain: prepare %s", b.name)
	}

	klog.V(dbgLvlInfo).InfoS("msi.CreateDeviceIrqDomain", "dev", dev.Name(), "domid", domid, "domain", b.name,
		"flags", b.Info.Flags, "hwsize", b.Info.Hwsize)
	return nil
}

// drainLocked frees every interrupt of slot domid and erases its
// descriptors.
func (md *deviceData) drainLocked(dev *device.Device, domid uint32) {
	if md.slots[domid].store.len() == 0 {
		return
	}
	if md.getDeviceDomain(domid) != nil {
		md.freeLocked(dev, ctrl{domid: domid, first: 0, last: md.hwsize(domid) - 1})
	}
	md.eraseDescsLocked(dev, domid, 0, MaxIndex)
}

// removeDomainLocked tears down the device domain of slot domid. Global
// domains copied into the slot are left alone.
func (md *deviceData) removeDomainLocked(domid uint32) {
	domain := md.getDeviceDomain(domid)
	if domain == nil || !domain.IsMSIDevice() {
		return
	}
	md.slots[domid].domain = nil
	info := GetDomainInfo(domain)
	info.ops().MSITeardown(domain, info.AllocData)

	domain.Hierarchy().RemoveDomain(domain)
	irqdomain.FreeFwnode(domain.Fwnode)
	klog.V(dbgLvlInfo).InfoS("msi.RemoveDeviceIrqDomain", "domain", domain.Name, "domid", domid)
}

// RemoveDeviceIrqDomain frees the interrupts and descriptors of device
// domain domid and removes the domain.
func RemoveDeviceIrqDomain(dev *device.Device, domid uint32) {
	md := dataOf(dev)
	if md == nil {
		return
	}
	md.lock()
	defer md.unlock()

	domain := md.getDeviceDomain(domid)
	if domain == nil || !domain.IsMSIDevice() {
		return
	}
	md.drainLocked(dev, domid)
	md.reapOrphansLocked(domain)
	md.removeDomainLocked(domid)
}

// MatchDeviceIrqDomain reports whether slot domid holds a device domain with
// bus token token.
func MatchDeviceIrqDomain(dev *device.Device, domid uint32, token irqdomain.BusToken) bool {
	md := dataOf(dev)
	if md == nil {
		return false
	}
	md.lock()
	defer md.unlock()
	domain := md.getDeviceDomain(domid)
	if domain == nil || !domain.IsMSIDevice() {
		return false
	}
	return GetDomainInfo(domain).BusToken == token
}

// DeviceDomain returns the domain of slot domid.
func DeviceDomain(dev *device.Device, domid uint32) *irqdomain.Domain {
	md := dataOf(dev)
	if md == nil {
		return nil
	}
	md.lock()
	defer md.unlock()
	return md.getDeviceDomain(domid)
}

// DeviceHasIsolatedMSI reports whether a domain between dev and the CPUs
// validates that dev only triggers its own interrupts.
func DeviceHasIsolatedMSI(dev *device.Device) bool {
	for d := dev.MSIDomain(); d != nil; d = d.Parent {
		if d.Flags&irqdomain.FlagIsolatedMSI != 0 {
			return true
		}
	}
	return false
}
