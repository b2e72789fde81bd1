// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package msi manages message signaled interrupts of devices: the per device
// descriptor stores, the per device interrupt domains built on top of MSI
// parent domains and the allocation and free protocol between them.
package msi

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

const (
	dbgLvlBasic      = 1
	dbgLvlInfo       = 2
	dbgLvlDetail     = 3
	dbgLvlDeepDetail = 4
)

const (
	// MaxIndex is the highest descriptor index of any domain.
	MaxIndex = 0xffff
	// MaxHwsize is the index space granted to domains without a hardware size.
	MaxHwsize = MaxIndex + 1
	// MaxDeviceDomains is the number of domain slots per device.
	MaxDeviceDomains = 2

	DefaultDomain   = 0
	SecondaryDomain = 1

	// AnyIndex asks for the lowest free index.
	AnyIndex = math.MaxUint32

	iterInvalid = math.MaxUint64
)

var (
	ErrNoMemory     = errors.New("msi: out of memory")
	ErrOutOfRange   = errors.New("msi: index out of range")
	ErrIndexTaken   = errors.New("msi: index already in use")
	ErrNoSpace      = errors.New("msi: no space left")
	ErrNoDomain     = errors.New("msi: no domain")
	ErrUnsupported  = errors.New("msi: rejected by parent domain")
	ErrNotSupported = errors.New("msi: operation not supported")
	ErrConflict     = errors.New("msi: domain slot in use")
	ErrRetryMulti   = errors.New("msi: retry multi MSI with fewer vectors")
	ErrInvalid      = errors.New("msi: invalid argument")
)

// PartialAllocError reports that a PCI allocation failed after Allocated
// descriptors succeeded. Everything was rolled back; the caller may retry
// with Allocated vectors.
type PartialAllocError struct {
	Allocated int
}

func (e *PartialAllocError) Error() string {
	return fmt.Sprintf("msi: allocation failed after %d descriptors", e.Allocated)
}

func (e *PartialAllocError) Unwrap() error {
	return ErrNoSpace
}

// Flags are the MSI domain feature flags. The low 16 bits are generic, the
// upper 16 bits are specific to the domain type.
type Flags uint32

const (
	FlagUseDefDomOps Flags = 1 << iota
	FlagUseDefChipOps
	FlagActivateEarly
	FlagMustReactivate
	FlagDevSysfs
	FlagAllocSimpleMSIDescs
	FlagFreeMSIDescs
	FlagUseDevFwnode
	FlagNoMask
	FlagPCIMSIMaskParent
)

const (
	FlagMultiPCIMSI Flags = 1 << (16 + iota)
	FlagPCIMSIX
	FlagLevelCapable
	FlagMSIXContiguous
	FlagPCIMSIXAllocDyn
	FlagNoAffinity
)

const (
	GenericFlagsMask Flags = 0x0000ffff
	DomainFlagsMask  Flags = 0xffff0000
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagUseDefDomOps, "USE_DEF_DOM_OPS"},
	{FlagUseDefChipOps, "USE_DEF_CHIP_OPS"},
	{FlagActivateEarly, "ACTIVATE_EARLY"},
	{FlagMustReactivate, "MUST_REACTIVATE"},
	{FlagDevSysfs, "DEV_SYSFS"},
	{FlagAllocSimpleMSIDescs, "ALLOC_SIMPLE_MSI_DESCS"},
	{FlagFreeMSIDescs, "FREE_MSI_DESCS"},
	{FlagUseDevFwnode, "USE_DEV_FWNODE"},
	{FlagNoMask, "NO_MASK"},
	{FlagPCIMSIMaskParent, "PCI_MSI_MASK_PARENT"},
	{FlagMultiPCIMSI, "MULTI_PCI_MSI"},
	{FlagPCIMSIX, "PCI_MSIX"},
	{FlagLevelCapable, "LEVEL_CAPABLE"},
	{FlagMSIXContiguous, "MSIX_CONTIGUOUS"},
	{FlagPCIMSIXAllocDyn, "PCI_MSIX_ALLOC_DYN"},
	{FlagNoAffinity, "NO_AFFINITY"},
}

func (f Flags) String() string {
	s := ""
	for _, n := range flagNames {
		if f&n.f == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return "0"
	}
	return s
}

// Map is the result of a single interrupt allocation.
type Map struct {
	Index uint32 `json:"index"`
	Virq  uint32 `json:"virq"`
}
