// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package msilib implements the policy shared by MSI parent domains: which
// device domains a parent accepts and how their flags and chips are adjusted
// before they are created.
package msilib

import (
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
	"github.com/Seagate/msi-lib/pkg/msi"
)

const (
	dbgLvlBasic  = 1
	dbgLvlDetail = 3
)

const (
	// RequiredFlags are enforced on every device domain of a parent using
	// this policy.
	RequiredFlags = msi.FlagUseDefDomOps | msi.FlagUseDefChipOps
	// CommonFlagsMask are the flags every such parent supports.
	CommonFlagsMask = msi.GenericFlagsMask | msi.FlagPCIMSIX
)

func busMask(token irqdomain.BusToken) msi.BusMask {
	switch token {
	case irqdomain.BusPCIMSI:
		return msi.MatchPCIMSI
	case irqdomain.BusPlatformMSI:
		return msi.MatchPlatformMSI
	}
	return 0
}

// InitDevMSIInfo negotiates the info of a device domain created directly
// below the MSI parent msiParent.
func InitDevMSIInfo(dev *device.Device, domain, msiParent *irqdomain.Domain, info *msi.DomainInfo) bool {
	pops := msi.ParentOpsOf(msiParent)
	if pops == nil {
		klog.Warningf("msilib: %s has no MSI parent ops", msiParent)
		return false
	}
	if domain.BusToken != pops.BusSelectToken || domain != msiParent {
		klog.Warningf("msilib: %s is not the MSI parent handling %s", domain, info.BusToken)
		return false
	}

	required := pops.RequiredFlags
	switch info.BusToken {
	case irqdomain.BusPCIDeviceMSI, irqdomain.BusPCIDeviceMSIX:
		if pops.BusSelectMask&msi.MatchPCIMSI == 0 {
			klog.V(dbgLvlBasic).InfoS("msilib: parent does not handle PCI", "parent", msiParent.Name, "dev", dev.Name())
			return false
		}
	case irqdomain.BusDeviceMSI:
		// Device MSI is a plain message writer, descriptors are managed by
		// the core.
		if info.Flags != 0 {
			klog.Warningf("msilib: device MSI domain of %s with flags %s", dev.Name(), info.Flags)
			return false
		}
		info.Flags = msi.FlagAllocSimpleMSIDescs | msi.FlagFreeMSIDescs
		required &^= msi.FlagPCIMSIMaskParent
	case irqdomain.BusWiredToMSI:
		required &^= msi.FlagPCIMSIMaskParent
	default:
		klog.Warningf("msilib: unexpected bus token %s", info.BusToken)
		return false
	}

	info.Flags &= pops.SupportedFlags
	info.Flags |= required

	chip := info.Chip
	if chip.EOI == nil && pops.ChipFlags&msi.ParentChipSetEOI != 0 {
		chip.EOI = irqdomain.ChipEOIParent
	}
	if chip.Ack == nil && pops.ChipFlags&msi.ParentChipSetAck != 0 {
		chip.Ack = irqdomain.ChipAckParent
	}
	// Device domains rely on the parent for affinity.
	if chip.SetAffinity == nil && info.Flags&msi.FlagNoAffinity == 0 {
		chip.SetAffinity = msi.DomainSetAffinity
	}
	if info.Flags&msi.FlagPCIMSIMaskParent != 0 {
		chip.Mask = irqdomain.ChipMaskParent
		chip.Unmask = irqdomain.ChipUnmaskParent
	}

	klog.V(dbgLvlDetail).InfoS("msilib.InitDevMSIInfo", "dev", dev.Name(), "parent", msiParent.Name,
		"bus", info.BusToken, "flags", info.Flags)
	return true
}

// DomainSelect reports whether parent d serves fwspec for token.
func DomainSelect(d *irqdomain.Domain, fwspec *irqdomain.Fwspec, token irqdomain.BusToken) bool {
	pops := msi.ParentOpsOf(d)
	if pops == nil || fwspec == nil {
		return false
	}
	if fwspec.Fwnode != d.Fwnode || len(fwspec.Param) != 0 {
		return false
	}
	if token == pops.BusSelectToken {
		return true
	}
	return pops.BusSelectMask&busMask(token) != 0
}
