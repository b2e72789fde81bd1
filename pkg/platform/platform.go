// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package platform provides MSI for platform devices: devices writing
// messages through a driver supplied callback and interrupt controllers
// translating wired interrupts into messages.
package platform

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
	"github.com/Seagate/msi-lib/pkg/msi"
)

const (
	dbgLvlBasic  = 1
	dbgLvlInfo   = 2
	dbgLvlDetail = 3
)

const (
	DeviceMSIChipName = "pMSI"
	WiredChipName     = "WIRED"
)

var ErrInvalid = errors.New("platform: invalid argument")

// WriteMsgFunc programs msg into the device for the vector of desc.
type WriteMsgFunc func(desc *msi.Desc, msg *irqdomain.MSIMsg)

func writeMsg(write WriteMsgFunc) func(*irqdomain.IrqData, *irqdomain.MSIMsg) {
	return func(irqd *irqdomain.IrqData, m *irqdomain.MSIMsg) {
		desc := msi.DescOf(irqd)
		if desc == nil {
			return
		}
		desc.Msg = *m
		write(desc, m)
	}
}

// InitAndAllocIrqs creates the default device MSI domain of dev with nvec
// entries and allocates all of them. Messages are handed to write.
func InitAndAllocIrqs(dev *device.Device, nvec uint32, write WriteMsgFunc) error {
	if dev == nil || write == nil || nvec == 0 {
		return errors.Wrap(ErrInvalid, "platform.InitAndAllocIrqs")
	}
	tmpl := &msi.DomainTemplate{
		Chip: irqdomain.Chip{
			Name:        DeviceMSIChipName,
			Flags:       irqdomain.ChipOneshotSafe,
			Mask:        irqdomain.ChipMaskParent,
			Unmask:      irqdomain.ChipUnmaskParent,
			WriteMSIMsg: writeMsg(write),
		},
		Info: msi.DomainInfo{BusToken: irqdomain.BusDeviceMSI},
	}
	if err := msi.CreateDeviceIrqDomain(dev, msi.DefaultDomain, tmpl, nvec, nil, nil); err != nil {
		return errors.Wrapf(err, "platform: %s", dev.Name())
	}
	if err := msi.AllocIrqsRange(dev, msi.DefaultDomain, 0, nvec-1); err != nil {
		msi.RemoveDeviceIrqDomain(dev, msi.DefaultDomain)
		return errors.Wrapf(err, "platform: %s %d vectors", dev.Name(), nvec)
	}
	klog.V(dbgLvlInfo).InfoS("platform.InitAndAllocIrqs", "dev", dev.Name(), "nvec", nvec)
	return nil
}

// FreeIrqsAll frees the interrupts of dev and removes its domain.
func FreeIrqsAll(dev *device.Device) {
	msi.RemoveDeviceIrqDomain(dev, msi.DefaultDomain)
	klog.V(dbgLvlInfo).InfoS("platform.FreeIrqsAll", "dev", dev.Name())
}

// Wired is an interrupt controller that turns its wired input pins into
// messages towards the MSI parent of its device.
type Wired struct {
	dev    *device.Device
	pins   uint32
	domain *irqdomain.Domain
}

// NewWired creates the wired to MSI domain of dev for pins inputs.
func NewWired(dev *device.Device, pins uint32, write WriteMsgFunc) (*Wired, error) {
	if dev == nil || write == nil || pins == 0 {
		return nil, errors.Wrap(ErrInvalid, "platform.NewWired")
	}
	w := &Wired{dev: dev, pins: pins}
	tmpl := &msi.DomainTemplate{
		Chip: irqdomain.Chip{
			Name:        WiredChipName,
			Flags:       irqdomain.ChipSupportsLevelMSI,
			Mask:        irqdomain.ChipMaskParent,
			Unmask:      irqdomain.ChipUnmaskParent,
			WriteMSIMsg: writeMsg(write),
		},
		Ops: msi.DomainOps{
			SetDesc: func(arg *msi.AllocInfo, desc *msi.Desc) {
				arg.Desc = desc
				if desc.Cookie != nil {
					arg.Hwirq = uint64(msi.WiredCookieFromValue(desc.Cookie.Value()).Hwirq)
				}
			},
			MSITranslate: w.translate,
		},
		Info: msi.DomainInfo{
			BusToken: irqdomain.BusWiredToMSI,
			Flags:    msi.FlagFreeMSIDescs | msi.FlagUseDevFwnode,
		},
	}
	if err := msi.CreateDeviceIrqDomain(dev, msi.DefaultDomain, tmpl, pins, nil, w); err != nil {
		return nil, errors.Wrapf(err, "platform: wired %s", dev.Name())
	}
	w.domain = msi.DeviceDomain(dev, msi.DefaultDomain)
	klog.V(dbgLvlInfo).InfoS("platform.NewWired", "dev", dev.Name(), "pins", pins, "domain", w.domain.Name)
	return w, nil
}

// translate decodes a two cell specifier: pin and trigger type.
func (w *Wired) translate(d *irqdomain.Domain, spec *irqdomain.Fwspec) (uint64, uint32, error) {
	if spec == nil || len(spec.Param) != 2 {
		return 0, 0, errors.Wrap(ErrInvalid, "platform: wired specifier needs two cells")
	}
	if spec.Param[0] >= w.pins {
		return 0, 0, errors.Wrapf(ErrInvalid, "platform: pin %d of %d", spec.Param[0], w.pins)
	}
	return uint64(spec.Param[0]), spec.Param[1], nil
}

// Domain returns the wired to MSI device domain.
func (w *Wired) Domain() *irqdomain.Domain {
	return w.domain
}

// Map allocates an interrupt for pin with trigger type typ.
func (w *Wired) Map(pin, typ uint32) (uint32, error) {
	return w.MapFwspec(&irqdomain.Fwspec{Fwnode: w.domain.Fwnode, Param: []uint32{pin, typ}})
}

// MapFwspec allocates an interrupt for a firmware specifier of the domain.
func (w *Wired) MapFwspec(spec *irqdomain.Fwspec) (uint32, error) {
	hwirq, typ, err := w.domain.Translate(spec)
	if err != nil {
		return 0, err
	}
	virq, err := msi.DeviceDomainAllocWired(w.domain, uint32(hwirq), typ)
	if err != nil {
		klog.V(dbgLvlBasic).InfoS("platform.Wired.Map failed", "dev", w.dev.Name(), "pin", hwirq, "err", err)
		return 0, errors.Wrapf(err, "platform: map pin %d", hwirq)
	}
	klog.V(dbgLvlDetail).InfoS("platform.Wired.Map", "dev", w.dev.Name(), "pin", hwirq, "type", typ, "virq", virq)
	return virq, nil
}

// Unmap frees an interrupt returned by Map.
func (w *Wired) Unmap(virq uint32) error {
	return msi.DeviceDomainFreeWired(w.domain, virq)
}

// Close frees every mapped pin and removes the domain.
func (w *Wired) Close() {
	msi.RemoveDeviceIrqDomain(w.dev, msi.DefaultDomain)
}
