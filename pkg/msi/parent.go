// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package msi

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// BusMask selects which child domain types an MSI parent accepts.
type BusMask uint32

const (
	MatchPCIMSI BusMask = 1 << iota
	MatchPlatformMSI
)

// ParentChipFlags ask the parent policy to fill in chip callbacks.
type ParentChipFlags uint32

const (
	ParentChipSetEOI ParentChipFlags = 1 << iota
	ParentChipSetAck
)

// InitDevMSIInfoFunc negotiates the info of a device domain about to be
// created below msiParent. It may change flags, chip and allocation
// template and returns false to refuse the domain.
type InitDevMSIInfoFunc func(dev *device.Device, domain, msiParent *irqdomain.Domain, info *DomainInfo) bool

// ParentOps describe an MSI parent domain.
type ParentOps struct {
	Prefix         string
	BusSelectToken irqdomain.BusToken
	BusSelectMask  BusMask
	SupportedFlags Flags
	RequiredFlags  Flags
	ChipFlags      ParentChipFlags
	InitDevMSIInfo InitDevMSIInfoFunc
}

// ParentOpsOf returns the MSI parent callbacks of d.
func ParentOpsOf(d *irqdomain.Domain) *ParentOps {
	if d == nil {
		return nil
	}
	pops, _ := d.MSIParentOps.(*ParentOps)
	return pops
}

// CreateParentDomain instantiates an MSI parent domain.
func CreateParentDomain(h *irqdomain.Hierarchy, info *irqdomain.Info, pops *ParentOps) (*irqdomain.Domain, error) {
	if info == nil || pops == nil {
		return nil, errors.Wrap(ErrInvalid, "msi.CreateParentDomain")
	}
	ni := *info
	if uint64(ni.Size) > ni.HwirqMax {
		ni.HwirqMax = uint64(ni.Size)
	}
	ni.Flags |= irqdomain.FlagMSIParent
	ni.BusToken = pops.BusSelectToken

	d, err := h.CreateDomain(&ni)
	if err != nil {
		return nil, errors.Wrap(err, "msi.CreateParentDomain")
	}
	d.MSIParentOps = pops
	klog.V(dbgLvlInfo).InfoS("msi.CreateParentDomain", "name", d.Name, "prefix", pops.Prefix, "bus", pops.BusSelectToken)
	return d, nil
}

// ParentInitDevMSIInfo lets an intermediate MSI parent hand the negotiation
// down to its own parent.
func ParentInitDevMSIInfo(dev *device.Device, domain, msiParent *irqdomain.Domain, info *DomainInfo) bool {
	parent := domain.Parent
	pops := ParentOpsOf(parent)
	if pops == nil || pops.InitDevMSIInfo == nil {
		klog.Warningf("msi.ParentInitDevMSIInfo: %s has no MSI parent below", domain.Name)
		return false
	}
	return pops.InitDevMSIInfo(dev, parent, msiParent, info)
}
