// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the hierarchy: the virq number space, domain
// registration, allocation through the domain stack and activation.
package irqdomain

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/bitmap"
	"k8s.io/klog/v2"
)

// DefaultNrIrqs is the size of the virq space when none is given.
const DefaultNrIrqs = 4096

// Hierarchy owns the virq number space and the registered domains.
type Hierarchy struct {
	mu      sync.Mutex
	nrIrqs  uint32
	inuse   bitmap.Bitmap
	irqs    map[uint32]*irqCommon
	domains []*Domain
	online  CPUMask
}

// NewHierarchy creates a hierarchy with nrIrqs interrupt numbers. Number 0
// is never handed out.
func NewHierarchy(nrIrqs uint32) *Hierarchy {
	if nrIrqs == 0 {
		nrIrqs = DefaultNrIrqs
	}
	h := &Hierarchy{
		nrIrqs: nrIrqs,
		inuse:  bitmap.New(nrIrqs),
		irqs:   make(map[uint32]*irqCommon),
	}
	h.inuse.Add(0)

	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil || set.Count() == 0 {
		klog.V(dbgLvlBasic).InfoS("irqdomain.NewHierarchy: falling back to cpu0", "err", err)
		set.Zero()
		set.Set(0)
	}
	h.online = set
	return h
}

// SetOnlineCPUs replaces the set of CPUs considered online.
func (h *Hierarchy) SetOnlineCPUs(mask CPUMask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = mask
}

func (h *Hierarchy) OnlineCPUs() CPUMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// CreateDomain instantiates a domain described by info.
func (h *Hierarchy) CreateDomain(info *Info) (*Domain, error) {
	if info == nil || info.Ops == nil {
		return nil, errors.Wrap(ErrInvalid, "irqdomain.CreateDomain: missing ops")
	}
	if info.Parent != nil && info.Parent.h != h {
		return nil, errors.Wrap(ErrInvalid, "irqdomain.CreateDomain: parent belongs to another hierarchy")
	}
	name := info.Name
	if name == "" {
		name = info.Fwnode.Name()
	}
	hwirqMax := info.HwirqMax
	if uint64(info.Size) > hwirqMax {
		hwirqMax = uint64(info.Size)
	}
	d := &Domain{
		Name:     name,
		Fwnode:   info.Fwnode,
		Flags:    info.Flags,
		BusToken: info.BusToken,
		Parent:   info.Parent,
		HostData: info.HostData,
		Ops:      info.Ops,
		Dev:      info.Dev,
		HwirqMax: hwirqMax,
		h:        h,
		revmap:   make(map[uint64]uint32),
	}
	if d.Parent != nil {
		d.Flags |= FlagHierarchy
	}

	h.mu.Lock()
	h.domains = append(h.domains, d)
	h.mu.Unlock()

	klog.V(dbgLvlInfo).InfoS("irqdomain.CreateDomain", "name", d.Name, "bus", d.BusToken, "parent", d.Parent)
	return d, nil
}

// RemoveDomain unregisters d. Interrupts still mapped in d are reported.
func (h *Hierarchy) RemoveDomain(d *Domain) {
	if d == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if d.removed {
		klog.Warningf("irqdomain.RemoveDomain: %s removed twice", d.Name)
		return
	}
	if n := len(d.revmap); n != 0 {
		klog.Warningf("irqdomain.RemoveDomain: %s still has %d mappings", d.Name, n)
	}
	for i, dom := range h.domains {
		if dom == d {
			h.domains = append(h.domains[:i], h.domains[i+1:]...)
			break
		}
	}
	d.removed = true
	klog.V(dbgLvlInfo).InfoS("irqdomain.RemoveDomain", "name", d.Name)
}

// Domains returns the registered domains in creation order.
func (h *Hierarchy) Domains() []*Domain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Domain(nil), h.domains...)
}

// FindDomain looks up a registered domain by firmware node and bus token.
func (h *Hierarchy) FindDomain(fwnode *Fwnode, token BusToken) *Domain {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.domains {
		if d.Fwnode == fwnode && (token == BusAny || d.BusToken == token) {
			return d
		}
	}
	return nil
}

// reserveRange finds nr contiguous free virqs. Caller holds h.mu.
func (h *Hierarchy) reserveRange(nr uint32) (uint32, error) {
	start := uint32(1)
	for {
		first, err := h.inuse.FirstZero(start)
		if err != nil || first+nr > h.nrIrqs {
			return 0, ErrNoSpace
		}
		next, err := h.inuse.FirstOne(first)
		if err != nil || next >= first+nr {
			for i := uint32(0); i < nr; i++ {
				h.inuse.Add(first + i)
			}
			return first, nil
		}
		start = next + 1
	}
}

func (h *Hierarchy) releaseRange(virq, nr uint32) {
	for i := uint32(0); i < nr; i++ {
		if c := h.irqs[virq+i]; c != nil {
			for _, irqd := range c.levels {
				if cur, ok := irqd.Domain.revmap[irqd.Hwirq]; ok && cur == virq+i {
					delete(irqd.Domain.revmap, irqd.Hwirq)
				}
			}
		}
		delete(h.irqs, virq+i)
		h.inuse.Remove(virq + i)
	}
}

// AllocIrqs allocates nrIrqs contiguous interrupts in d and its parents.
// affinity, when non-nil, carries one entry per interrupt.
func (h *Hierarchy) AllocIrqs(d *Domain, nrIrqs uint32, node int, arg any, affinity []AffinityDesc) (uint32, error) {
	if d == nil || nrIrqs == 0 {
		return 0, errors.Wrap(ErrInvalid, "irqdomain.AllocIrqs")
	}
	if d.Ops == nil {
		return 0, errors.Wrapf(ErrNotSupported, "irqdomain.AllocIrqs: domain %s cannot allocate", d.Name)
	}
	if affinity != nil && uint32(len(affinity)) != nrIrqs {
		return 0, errors.Wrapf(ErrInvalid, "irqdomain.AllocIrqs: %d affinity entries for %d irqs", len(affinity), nrIrqs)
	}

	h.mu.Lock()
	if d.removed {
		h.mu.Unlock()
		return 0, errors.Wrapf(ErrInvalid, "irqdomain.AllocIrqs: domain %s removed", d.Name)
	}
	virq, err := h.reserveRange(nrIrqs)
	if err != nil {
		h.mu.Unlock()
		return 0, errors.Wrapf(err, "irqdomain.AllocIrqs: %d irqs", nrIrqs)
	}
	for i := uint32(0); i < nrIrqs; i++ {
		c := &irqCommon{}
		if affinity != nil {
			c.affinity = affinity[i].Mask
			if affinity[i].IsManaged {
				c.state.Store(stateManaged)
			}
		} else {
			c.affinity = h.online
		}
		var child *IrqData
		for dom := d; dom != nil; dom = dom.Parent {
			irqd := &IrqData{Irq: virq + i, Domain: dom, common: c}
			if child != nil {
				child.Parent = irqd
			}
			c.levels = append(c.levels, irqd)
			child = irqd
		}
		h.irqs[virq+i] = c
	}
	h.mu.Unlock()

	klog.V(dbgLvlDetail).InfoS("irqdomain.AllocIrqs", "domain", d.Name, "virq", virq, "nr", nrIrqs, "node", node)
	if err := d.Ops.Alloc(d, virq, nrIrqs, arg); err != nil {
		h.mu.Lock()
		h.releaseRange(virq, nrIrqs)
		h.mu.Unlock()
		return 0, err
	}
	return virq, nil
}

// FreeIrqs frees interrupts allocated by AllocIrqs.
func (h *Hierarchy) FreeIrqs(virq, nrIrqs uint32) {
	top := h.TopIrqData(virq)
	if top == nil {
		klog.Warningf("irqdomain.FreeIrqs: virq %d is not allocated", virq)
		return
	}
	top.Domain.Ops.Free(top.Domain, virq, nrIrqs)

	h.mu.Lock()
	h.releaseRange(virq, nrIrqs)
	h.mu.Unlock()
	klog.V(dbgLvlDetail).InfoS("irqdomain.FreeIrqs", "domain", top.Domain.Name, "virq", virq, "nr", nrIrqs)
}

// AllocIrqsParent lets a domain delegate an allocation to its parent.
func (h *Hierarchy) AllocIrqsParent(d *Domain, virq, nrIrqs uint32, arg any) error {
	if d.Parent == nil {
		return errors.Wrapf(ErrInvalid, "irqdomain.AllocIrqsParent: %s has no parent", d.Name)
	}
	return d.Parent.Ops.Alloc(d.Parent, virq, nrIrqs, arg)
}

// FreeIrqsParent lets a domain delegate a free to its parent.
func (h *Hierarchy) FreeIrqsParent(d *Domain, virq, nrIrqs uint32) {
	if d.Parent != nil {
		d.Parent.Ops.Free(d.Parent, virq, nrIrqs)
	}
}

// FreeIrqsTop resets the level of d and frees the parent levels.
func (h *Hierarchy) FreeIrqsTop(d *Domain, virq, nrIrqs uint32) {
	for i := uint32(0); i < nrIrqs; i++ {
		h.resetIrqData(d, virq+i)
	}
	h.FreeIrqsParent(d, virq, nrIrqs)
}

// ResetIrqData clears hwirq and chip of the level of d.
func (h *Hierarchy) resetIrqData(d *Domain, virq uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	irqd := h.irqDataLocked(d, virq)
	if irqd == nil {
		return
	}
	if cur, ok := d.revmap[irqd.Hwirq]; ok && cur == virq {
		delete(d.revmap, irqd.Hwirq)
	}
	irqd.Hwirq = 0
	irqd.Chip = nil
	irqd.ChipData = nil
}

// SetHwirqAndChip fills the level of d for virq.
func (h *Hierarchy) SetHwirqAndChip(d *Domain, virq uint32, hwirq uint64, chip *Chip, chipData any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	irqd := h.irqDataLocked(d, virq)
	if irqd == nil {
		return errors.Wrapf(ErrInvalid, "irqdomain.SetHwirqAndChip: virq %d not in %s", virq, d.Name)
	}
	irqd.Hwirq = hwirq
	irqd.Chip = chip
	irqd.ChipData = chipData
	d.revmap[hwirq] = virq
	return nil
}

// SetHandler installs the flow handler name and data for virq.
func (h *Hierarchy) SetHandler(virq uint32, name string, data any) {
	h.mu.Lock()
	c := h.irqs[virq]
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.handlerName = name
	c.handlerData = data
	c.mu.Unlock()
}

func (h *Hierarchy) irqDataLocked(d *Domain, virq uint32) *IrqData {
	c := h.irqs[virq]
	if c == nil {
		return nil
	}
	for _, irqd := range c.levels {
		if irqd.Domain == d {
			return irqd
		}
	}
	return nil
}

// IrqData returns the level of d for virq, nil if virq is not mapped in d.
func (h *Hierarchy) IrqData(d *Domain, virq uint32) *IrqData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.irqDataLocked(d, virq)
}

// TopIrqData returns the outermost level of virq.
func (h *Hierarchy) TopIrqData(virq uint32) *IrqData {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.irqs[virq]
	if c == nil || len(c.levels) == 0 {
		return nil
	}
	return c.levels[0]
}

// FindMapping returns the virq mapped to hwirq in d.
func (h *Hierarchy) FindMapping(d *Domain, hwirq uint64) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	virq, ok := d.revmap[hwirq]
	return virq, ok
}

// SetMSIDesc binds desc to virq.
func (h *Hierarchy) SetMSIDesc(virq uint32, desc any) error {
	h.mu.Lock()
	c := h.irqs[virq]
	h.mu.Unlock()
	if c == nil {
		return errors.Wrapf(ErrInvalid, "irqdomain.SetMSIDesc: virq %d not allocated", virq)
	}
	c.mu.Lock()
	c.msiDesc = desc
	c.mu.Unlock()
	return nil
}

// MSIDesc returns the descriptor bound to virq.
func (h *Hierarchy) MSIDesc(virq uint32) any {
	irqd := h.TopIrqData(virq)
	if irqd == nil {
		return nil
	}
	return irqd.MSIDesc()
}

// Allocated returns the number of virqs in use.
func (h *Hierarchy) Allocated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.irqs)
}

func (h *Hierarchy) activate(irqd *IrqData, reserve bool) error {
	if irqd.Parent != nil {
		if err := h.activate(irqd.Parent, reserve); err != nil {
			return err
		}
	}
	if irqd.Domain.Ops == nil {
		return nil
	}
	if err := irqd.Domain.Ops.Activate(irqd.Domain, irqd, reserve); err != nil {
		if irqd.Parent != nil {
			h.deactivate(irqd.Parent)
		}
		return err
	}
	return nil
}

func (h *Hierarchy) deactivate(irqd *IrqData) {
	if irqd.Domain.Ops != nil {
		irqd.Domain.Ops.Deactivate(irqd.Domain, irqd)
	}
	if irqd.Parent != nil {
		h.deactivate(irqd.Parent)
	}
}

// ActivateIrq activates irqd and all its parent levels, root first.
func (h *Hierarchy) ActivateIrq(irqd *IrqData, reserve bool) error {
	if irqd.IsActivated() {
		return nil
	}
	if err := h.activate(irqd, reserve); err != nil {
		return err
	}
	irqd.setState(stateActivated)
	return nil
}

// DeactivateIrq reverses ActivateIrq, outermost level first.
func (h *Hierarchy) DeactivateIrq(irqd *IrqData) {
	if !irqd.IsActivated() {
		return
	}
	h.deactivate(irqd)
	irqd.clearState(stateActivated)
}

// ComposeMSIMsg asks the deepest level providing a composer for the message.
func (h *Hierarchy) ComposeMSIMsg(irqd *IrqData, msg *MSIMsg) error {
	var pos *IrqData
	for d := irqd; d != nil; d = d.Parent {
		if d.Chip != nil && d.Chip.ComposeMSIMsg != nil {
			pos = d
		}
	}
	if pos == nil {
		return errors.Wrapf(ErrNotSupported, "irqdomain.ComposeMSIMsg: virq %d", irqd.Irq)
	}
	return pos.Chip.ComposeMSIMsg(pos, msg)
}
