// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the per interrupt data of the hierarchy: the irq chip
// description, the MSI message and the per interrupt state bits.
package irqdomain

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// CPUMask is a set of CPUs.
type CPUMask = unix.CPUSet

// MaskIntersects reports whether a and b share at least one CPU.
func MaskIntersects(a, b *CPUMask) bool {
	for i := range a {
		if a[i]&b[i] != 0 {
			return true
		}
	}
	return false
}

// MaskOf builds a mask holding cpus.
func MaskOf(cpus ...int) CPUMask {
	var m CPUMask
	for _, c := range cpus {
		m.Set(c)
	}
	return m
}

// FirstCPU returns the lowest CPU of m, -1 if m is empty.
func FirstCPU(m *CPUMask) int {
	for cpu := 0; cpu < len(m)*64; cpu++ {
		if m.IsSet(cpu) {
			return cpu
		}
	}
	return -1
}

// AffinityDesc is the affinity hint of one vector.
type AffinityDesc struct {
	Mask      CPUMask
	IsManaged bool
}

// MSIMsg is an MSI message as composed by the chip at the root of the hierarchy.
type MSIMsg struct {
	AddressLo uint32 `json:"address_lo"`
	AddressHi uint32 `json:"address_hi"`
	Data      uint32 `json:"data"`
}

func (m MSIMsg) IsZero() bool {
	return m.AddressLo == 0 && m.AddressHi == 0 && m.Data == 0
}

// SetMaskResult is returned by Chip.SetAffinity.
type SetMaskResult int

const (
	SetMaskOK SetMaskResult = iota
	SetMaskOKNoCopy
	SetMaskOKDone
)

// ChipFlags describe irq chip capabilities.
type ChipFlags uint32

const (
	ChipSupportsLevelMSI ChipFlags = 1 << iota
	ChipOneshotSafe
	ChipEOIThreaded
	ChipAffinityPreStartup
)

// Chip is the set of hardware callbacks of one hierarchy level.
type Chip struct {
	Name  string
	Flags ChipFlags

	Mask          func(d *IrqData)
	Unmask        func(d *IrqData)
	Ack           func(d *IrqData)
	EOI           func(d *IrqData)
	SetAffinity   func(d *IrqData, mask *CPUMask, force bool) (SetMaskResult, error)
	ComposeMSIMsg func(d *IrqData, msg *MSIMsg) error
	WriteMSIMsg   func(d *IrqData, msg *MSIMsg)
}

// ChipMaskParent forwards a mask request to the parent level.
func ChipMaskParent(d *IrqData) {
	if p := d.Parent; p != nil && p.Chip != nil && p.Chip.Mask != nil {
		p.Chip.Mask(p)
	}
}

// ChipUnmaskParent forwards an unmask request to the parent level.
func ChipUnmaskParent(d *IrqData) {
	if p := d.Parent; p != nil && p.Chip != nil && p.Chip.Unmask != nil {
		p.Chip.Unmask(p)
	}
}

// ChipAckParent forwards an ack to the parent level.
func ChipAckParent(d *IrqData) {
	if p := d.Parent; p != nil && p.Chip != nil && p.Chip.Ack != nil {
		p.Chip.Ack(p)
	}
}

// ChipEOIParent forwards an end-of-interrupt to the parent level.
func ChipEOIParent(d *IrqData) {
	if p := d.Parent; p != nil && p.Chip != nil && p.Chip.EOI != nil {
		p.Chip.EOI(p)
	}
}

const (
	stateActivated uint32 = 1 << iota
	stateCanReserve
	stateManaged
	stateManagedShutdown
	stateStarted
)

// irqCommon is shared by every level of one virq.
type irqCommon struct {
	state atomic.Uint32

	mu          sync.Mutex
	affinity    CPUMask
	msiDesc     any
	handlerName string
	handlerData any

	levels []*IrqData
}

// IrqData is the per level data of one virq.
type IrqData struct {
	Irq      uint32
	Hwirq    uint64
	Domain   *Domain
	Chip     *Chip
	ChipData any
	Parent   *IrqData

	common *irqCommon
}

func (d *IrqData) setState(bit uint32) {
	for {
		old := d.common.state.Load()
		if d.common.state.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (d *IrqData) clearState(bit uint32) {
	for {
		old := d.common.state.Load()
		if d.common.state.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (d *IrqData) hasState(bit uint32) bool {
	return d.common.state.Load()&bit != 0
}

func (d *IrqData) IsActivated() bool {
	return d.hasState(stateActivated)
}

// ClearActivated drops the activated bit so a later request performs the
// real vector assignment.
func (d *IrqData) ClearActivated() {
	d.clearState(stateActivated)
}

func (d *IrqData) CanReserve() bool {
	return d.hasState(stateCanReserve)
}

func (d *IrqData) SetCanReserve() {
	d.setState(stateCanReserve)
}

func (d *IrqData) ClearCanReserve() {
	d.clearState(stateCanReserve)
}

// IsManaged reports whether the affinity of the interrupt is kernel managed.
func (d *IrqData) IsManaged() bool {
	return d.hasState(stateManaged)
}

func (d *IrqData) SetManagedShutdown() {
	d.setState(stateManagedShutdown)
}

func (d *IrqData) IsManagedShutdown() bool {
	return d.hasState(stateManagedShutdown)
}

func (d *IrqData) ClearManagedShutdown() {
	d.clearState(stateManagedShutdown)
}

// AffinityMask returns a copy of the affinity of the interrupt.
func (d *IrqData) AffinityMask() CPUMask {
	d.common.mu.Lock()
	defer d.common.mu.Unlock()
	return d.common.affinity
}

// SetAffinityMask records mask as the interrupt affinity without touching
// the hardware.
func (d *IrqData) SetAffinityMask(mask CPUMask) {
	d.common.mu.Lock()
	defer d.common.mu.Unlock()
	d.common.affinity = mask
}

// MSIDesc returns the MSI descriptor bound to the interrupt.
func (d *IrqData) MSIDesc() any {
	d.common.mu.Lock()
	defer d.common.mu.Unlock()
	return d.common.msiDesc
}

// HandlerName returns the flow handler name installed for the interrupt.
func (d *IrqData) HandlerName() string {
	d.common.mu.Lock()
	defer d.common.mu.Unlock()
	return d.common.handlerName
}

// HandlerData returns the flow handler data installed for the interrupt.
func (d *IrqData) HandlerData() any {
	d.common.mu.Lock()
	defer d.common.mu.Unlock()
	return d.common.handlerData
}

// Root returns the lowest level of the hierarchy for this interrupt.
func (d *IrqData) Root() *IrqData {
	for d.Parent != nil {
		d = d.Parent
	}
	return d
}
