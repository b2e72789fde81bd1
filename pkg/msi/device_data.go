// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the MSI state of a device: the domain slots with
// their descriptor stores, the lock guarding them and the descriptor
// iterator.
package msi

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

type domainSlot struct {
	store  *store
	domain *irqdomain.Domain
}

type deviceData struct {
	mu      sync.Mutex
	slots   [MaxDeviceDomains]domainSlot
	iterIdx uint64
	orphans []*Desc
}

func dataOf(dev *device.Device) *deviceData {
	if dev == nil {
		return nil
	}
	md, _ := dev.MSIData().(*deviceData)
	return md
}

func (md *deviceData) lock() {
	md.mu.Lock()
}

func (md *deviceData) unlock() {
	md.iterIdx = iterInvalid
	md.mu.Unlock()
}

// assertHeld reports a caller that forgot to take the descriptor lock.
func (md *deviceData) assertHeld(op string) {
	if md.mu.TryLock() {
		md.mu.Unlock()
		klog.ErrorS(nil, "msi: descriptor lock not held", "op", op)
	}
}

// SetupDeviceData attaches MSI state to dev. Calling it again is a no-op.
// The state is torn down when the device is destroyed.
func SetupDeviceData(dev *device.Device) error {
	if dev == nil {
		return errors.Wrap(ErrInvalid, "msi.SetupDeviceData")
	}
	if dataOf(dev) != nil {
		return nil
	}

	md := &deviceData{iterIdx: iterInvalid}
	for i := range md.slots {
		md.slots[i].store = newStore()
	}
	// A global MSI domain is used as default domain. MSI parents only
	// spawn device domains.
	if parent := dev.MSIDomain(); parent != nil && !parent.IsMSIParent() {
		md.slots[DefaultDomain].domain = parent
	}

	if _, stored := dev.InitMSIData(md); !stored {
		return nil
	}
	err := dev.AddResource(&device.Resource{
		Name:    "msi",
		Release: func() error { return releaseDeviceData(dev, md) },
	})
	if err != nil {
		dev.ClearMSIData()
		return errors.Wrapf(err, "msi.SetupDeviceData %s", dev.Name())
	}
	klog.V(dbgLvlInfo).InfoS("msi.SetupDeviceData", "dev", dev.Name())
	return nil
}

func releaseDeviceData(dev *device.Device, md *deviceData) error {
	var err error
	md.lock()
	for domid := uint32(0); domid < MaxDeviceDomains; domid++ {
		md.drainLocked(dev, domid)
	}
	md.reapOrphansLocked(nil)
	for domid := uint32(0); domid < MaxDeviceDomains; domid++ {
		md.removeDomainLocked(domid)
		md.slots[domid].domain = nil
		if n := md.slots[domid].store.len(); n != 0 {
			err = multierr.Append(err, errors.Errorf("msi: %d descriptors left in domain %d of %s", n, domid, dev.Name()))
		}
	}
	if n := len(md.orphans); n != 0 {
		err = multierr.Append(err, errors.Errorf("msi: %d orphaned descriptors of %s", n, dev.Name()))
	}
	md.unlock()
	dev.ClearMSIData()
	klog.V(dbgLvlInfo).InfoS("msi.releaseDeviceData", "dev", dev.Name())
	return err
}

// LockDescs takes the descriptor lock of dev.
func LockDescs(dev *device.Device) {
	if md := dataOf(dev); md != nil {
		md.lock()
	}
}

// UnlockDescs releases the descriptor lock and invalidates the iterator.
func UnlockDescs(dev *device.Device) {
	if md := dataOf(dev); md != nil {
		md.unlock()
	}
}

// WithDescsLocked runs fn with the descriptor lock of dev held.
func WithDescsLocked(dev *device.Device, fn func() error) error {
	md := dataOf(dev)
	if md == nil {
		return errors.Wrap(ErrInvalid, "msi: device has no MSI data")
	}
	md.lock()
	defer md.unlock()
	return fn()
}

func (md *deviceData) findDesc(domid uint32, filter Filter) *Desc {
	var found *Desc
	md.slots[domid].store.ascend(uint32(md.iterIdx), MaxIndex, filter, func(desc *Desc) bool {
		found = desc
		return false
	})
	if found == nil {
		md.iterIdx = iterInvalid
		return nil
	}
	md.iterIdx = uint64(found.Index)
	return found
}

// DomainFirstDesc starts an iteration over the descriptors of domain domid.
// The descriptor lock must be held.
func DomainFirstDesc(dev *device.Device, domid uint32, filter Filter) *Desc {
	md := dataOf(dev)
	if md == nil || domid >= MaxDeviceDomains {
		klog.Warningf("msi.DomainFirstDesc: invalid device or domain %d", domid)
		return nil
	}
	md.assertHeld("DomainFirstDesc")
	md.iterIdx = 0
	return md.findDesc(domid, filter)
}

// FirstDesc starts an iteration over the default domain.
func FirstDesc(dev *device.Device, filter Filter) *Desc {
	return DomainFirstDesc(dev, DefaultDomain, filter)
}

// NextDesc continues an iteration started by DomainFirstDesc within the same
// locked region. It returns nil when the iteration is exhausted or was
// invalidated.
func NextDesc(dev *device.Device, domid uint32, filter Filter) *Desc {
	md := dataOf(dev)
	if md == nil || domid >= MaxDeviceDomains {
		klog.Warningf("msi.NextDesc: invalid device or domain %d", domid)
		return nil
	}
	md.assertHeld("NextDesc")
	if md.iterIdx >= MaxIndex {
		return nil
	}
	md.iterIdx++
	return md.findDesc(domid, filter)
}

// ForEachDesc calls fn for every descriptor of domid matching filter until fn
// returns false. The descriptor lock must be held.
func ForEachDesc(dev *device.Device, domid uint32, filter Filter, fn func(*Desc) bool) {
	for desc := DomainFirstDesc(dev, domid, filter); desc != nil; desc = NextDesc(dev, domid, filter) {
		if !fn(desc) {
			return
		}
	}
}

// Descriptors returns a copy of the descriptors of domid matching filter.
func Descriptors(dev *device.Device, domid uint32, filter Filter) []Desc {
	md := dataOf(dev)
	if md == nil || domid >= MaxDeviceDomains {
		return nil
	}
	md.lock()
	defer md.unlock()
	var out []Desc
	md.slots[domid].store.ascend(0, MaxIndex, filter, func(desc *Desc) bool {
		out = append(out, *desc)
		return true
	})
	return out
}

// DomainGetVirq returns the virq of the descriptor at index, 0 if none.
func DomainGetVirq(dev *device.Device, domid, index uint32) uint32 {
	md := dataOf(dev)
	if md == nil {
		return 0
	}
	if index > MaxIndex || domid >= MaxDeviceDomains {
		klog.Warningf("msi.DomainGetVirq: index %d domain %d out of range", index, domid)
		return 0
	}
	// Classic PCI/MSI has one descriptor for all its vectors.
	pcimsi := dev.IsPCI() && domid == DefaultDomain && dev.MSIEnabled()

	md.lock()
	defer md.unlock()
	lookup := index
	if pcimsi {
		lookup = 0
	}
	desc := md.slots[domid].store.load(lookup)
	if desc == nil || desc.Irq == 0 {
		return 0
	}
	if !pcimsi {
		return desc.Irq
	}
	if index < uint32(desc.NvecUsed) {
		return desc.Irq + index
	}
	return 0
}

// GetVirq looks up index in the default domain.
func GetVirq(dev *device.Device, index uint32) uint32 {
	return DomainGetVirq(dev, DefaultDomain, index)
}

// getDeviceDomain returns the leaf domain of slot domid. Lock held.
func (md *deviceData) getDeviceDomain(domid uint32) *irqdomain.Domain {
	if domid >= MaxDeviceDomains {
		klog.Warningf("msi: domain id %d out of range", domid)
		return nil
	}
	d := md.slots[domid].domain
	if d == nil {
		return nil
	}
	if d.IsMSIParent() {
		klog.Warningf("msi: MSI parent %s used as device domain", d.Name)
		return nil
	}
	return d
}

func (md *deviceData) hwsize(domid uint32) uint32 {
	if d := md.getDeviceDomain(domid); d != nil {
		return GetDomainInfo(d).Hwsize
	}
	return MaxHwsize
}

func (md *deviceData) insertDesc(desc *Desc, domid, index uint32) (uint32, error) {
	s := md.slots[domid].store
	hwsize := md.hwsize(domid)
	if index == AnyIndex {
		idx, err := s.insertAny(desc, hwsize)
		if err != nil {
			return 0, errors.Wrapf(err, "msi: insert in domain %d", domid)
		}
		return idx, nil
	}
	if err := s.insertAt(desc, index, hwsize); err != nil {
		return 0, errors.Wrapf(err, "msi: insert index %d in domain %d", index, domid)
	}
	return index, nil
}

// InsertMSIDesc inserts a copy of init at init.Index of domain domid. The
// descriptor lock must be held.
func InsertMSIDesc(dev *device.Device, domid uint32, init *Desc) error {
	md := dataOf(dev)
	if md == nil || domid >= MaxDeviceDomains || init == nil {
		return errors.Wrap(ErrInvalid, "msi.InsertMSIDesc")
	}
	md.assertHeld("InsertMSIDesc")
	desc, err := newDesc(dev, init.NvecUsed, init.Affinity)
	if err != nil {
		return err
	}
	desc.PCI = init.PCI
	desc.Cookie = init.Cookie
	_, err = md.insertDesc(desc, domid, init.Index)
	return err
}

// eraseDescsLocked removes the descriptors of [first, last]. Descriptors
// still bound to an interrupt are parked on the orphan list.
func (md *deviceData) eraseDescsLocked(dev *device.Device, domid, first, last uint32) EraseReport {
	rep := md.slots[domid].store.eraseRange(first, last)
	for _, desc := range rep.Leaked {
		klog.Warningf("msi: %s domain %d index %d erased with virq %d bound, leaking it", dev.Name(), domid, desc.Index, desc.Irq)
		md.orphans = append(md.orphans, desc)
	}
	return rep
}

// FreeMSIDescsRange erases the descriptors of [first, last]. The descriptor
// lock must be held.
func FreeMSIDescsRange(dev *device.Device, domid, first, last uint32) (EraseReport, error) {
	md := dataOf(dev)
	if md == nil {
		return EraseReport{}, errors.Wrap(ErrInvalid, "msi.FreeMSIDescsRange: no MSI data")
	}
	md.assertHeld("FreeMSIDescsRange")
	if err := md.validate(dev, ctrl{domid: domid, first: first, last: last}); err != nil {
		return EraseReport{}, err
	}
	return md.eraseDescsLocked(dev, domid, first, last), nil
}

// Orphans returns the descriptors leaked by range erases.
func Orphans(dev *device.Device) []*Desc {
	md := dataOf(dev)
	if md == nil {
		return nil
	}
	md.lock()
	defer md.unlock()
	return append([]*Desc(nil), md.orphans...)
}

// reapOrphansLocked frees the interrupts of orphans of domain d, or of all
// orphans when d is nil, and drops them.
func (md *deviceData) reapOrphansLocked(d *irqdomain.Domain) int {
	n := 0
	kept := md.orphans[:0]
	for _, desc := range md.orphans {
		if d != nil && desc.domain != nil && desc.domain != d {
			kept = append(kept, desc)
			continue
		}
		if desc.Irq != 0 && desc.domain != nil {
			freeDescIrqs(desc.domain, desc)
		}
		n++
	}
	for i := len(kept); i < len(md.orphans); i++ {
		md.orphans[i] = nil
	}
	md.orphans = kept
	return n
}

// ReapOrphans frees the interrupts still held by leaked descriptors and
// drops them. It returns the number of reaped descriptors.
func ReapOrphans(dev *device.Device) int {
	md := dataOf(dev)
	if md == nil {
		return 0
	}
	md.lock()
	defer md.unlock()
	n := md.reapOrphansLocked(nil)
	klog.V(dbgLvlDetail).InfoS("msi.ReapOrphans", "dev", dev.Name(), "reaped", n)
	return n
}
