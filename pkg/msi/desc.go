// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package msi

import (
	"github.com/pkg/errors"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// Filter selects descriptors by association state.
type Filter int

const (
	FilterAll Filter = iota
	FilterNotAssociated
	FilterAssociated
)

func (f Filter) String() string {
	switch f {
	case FilterAll:
		return "all"
	case FilterNotAssociated:
		return "not-associated"
	case FilterAssociated:
		return "associated"
	}
	return "unknown"
}

// InstanceCookie is per descriptor data owned by the domain implementation.
type InstanceCookie interface {
	Value() uint64
}

// DomainCookie is an opaque domain defined cookie.
type DomainCookie uint64

func (c DomainCookie) Value() uint64 {
	return uint64(c)
}

// WiredCookie carries the hardware interrupt and trigger type of a wired
// interrupt translated to MSI.
type WiredCookie struct {
	Type  uint32 `json:"type"`
	Hwirq uint32 `json:"hwirq"`
}

func (c WiredCookie) Value() uint64 {
	return uint64(c.Type)<<32 | uint64(c.Hwirq)
}

// WiredCookieFromValue splits a packed wired cookie.
func WiredCookieFromValue(v uint64) WiredCookie {
	return WiredCookie{Type: uint32(v >> 32), Hwirq: uint32(v)}
}

// PCIAttrs is the PCI specific part of a descriptor.
type PCIAttrs struct {
	IsMSIX      bool   `json:"is_msix"`
	CanMask     bool   `json:"can_mask"`
	Is64        bool   `json:"is_64"`
	IsVirtual   bool   `json:"is_virtual"`
	MultiCap    uint8  `json:"multi_cap"`
	MultiEnable uint8  `json:"multi_enable"`
	MaskBits    uint32 `json:"mask_bits"`
}

// Desc describes one MSI interrupt, or one block of NvecUsed contiguous
// interrupts for PCI multi MSI.
type Desc struct {
	Dev      *device.Device           `json:"-"`
	Index    uint32                   `json:"index"`
	NvecUsed uint16                   `json:"nvec_used"`
	Affinity []irqdomain.AffinityDesc `json:"-"`
	// Irq is the first virq bound to the descriptor, 0 if none.
	Irq    uint32           `json:"irq"`
	Msg    irqdomain.MSIMsg `json:"msg"`
	Cookie InstanceCookie   `json:"-"`
	PCI    PCIAttrs         `json:"pci"`

	domain *irqdomain.Domain
}

func newDesc(dev *device.Device, nvec uint16, affinity []irqdomain.AffinityDesc) (*Desc, error) {
	if nvec == 0 {
		return nil, errors.Wrap(ErrInvalid, "msi: descriptor without vectors")
	}
	desc := &Desc{Dev: dev, NvecUsed: nvec}
	if affinity != nil {
		if len(affinity) < int(nvec) {
			return nil, errors.Wrapf(ErrInvalid, "msi: %d affinity entries for %d vectors", len(affinity), nvec)
		}
		desc.Affinity = append([]irqdomain.AffinityDesc(nil), affinity[:nvec]...)
	}
	return desc, nil
}

// Associated reports whether a virq is bound to the descriptor.
func (d *Desc) Associated() bool {
	return d.Irq != 0
}

func (d *Desc) matches(f Filter) bool {
	switch f {
	case FilterAll:
		return true
	case FilterNotAssociated:
		return d.Irq == 0
	case FilterAssociated:
		return d.Irq != 0
	}
	return false
}

// CachedMSIMsg returns the last message written for the descriptor.
func CachedMSIMsg(desc *Desc) irqdomain.MSIMsg {
	return desc.Msg
}

// GetCachedMSIMsg returns the cached message of the descriptor bound to virq.
func GetCachedMSIMsg(h *irqdomain.Hierarchy, virq uint32) (irqdomain.MSIMsg, bool) {
	desc, ok := h.MSIDesc(virq).(*Desc)
	if !ok || desc == nil {
		return irqdomain.MSIMsg{}, false
	}
	return desc.Msg, true
}

// DescOf returns the descriptor bound to irqd.
func DescOf(irqd *irqdomain.IrqData) *Desc {
	desc, _ := irqd.MSIDesc().(*Desc)
	return desc
}
