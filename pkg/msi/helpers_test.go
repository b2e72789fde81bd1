// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package msi

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

// fakeParent is a root MSI parent with a fixed number of vectors. Every
// allocated interrupt may be reserved.
type fakeParent struct {
	capacity  uint32
	used      uint32
	reject    bool
	supported Flags
	required  Flags

	activations  int
	reservations int
	deactivated  int
	chip         *irqdomain.Chip
}

func (p *fakeParent) Alloc(d *irqdomain.Domain, virq, nr uint32, arg any) error {
	if p.used+nr > p.capacity {
		return irqdomain.ErrNoSpace
	}
	h := d.Hierarchy()
	for i := uint32(0); i < nr; i++ {
		if err := h.SetHwirqAndChip(d, virq+i, uint64(virq+i), p.chip, nil); err != nil {
			return err
		}
		h.IrqData(d, virq+i).SetCanReserve()
	}
	p.used += nr
	return nil
}

func (p *fakeParent) Free(d *irqdomain.Domain, virq, nr uint32) {
	p.used -= nr
	d.Hierarchy().FreeIrqsTop(d, virq, nr)
}

func (p *fakeParent) Activate(d *irqdomain.Domain, irqd *irqdomain.IrqData, reserve bool) error {
	if reserve {
		p.reservations++
	} else {
		p.activations++
	}
	return nil
}

func (p *fakeParent) Deactivate(d *irqdomain.Domain, irqd *irqdomain.IrqData) {
	p.deactivated++
}

func (p *fakeParent) initDevMSIInfo(dev *device.Device, domain, msiParent *irqdomain.Domain, info *DomainInfo) bool {
	if p.reject {
		return false
	}
	info.Flags &= p.supported
	info.Flags |= p.required
	return true
}

type testEnv struct {
	h      *irqdomain.Hierarchy
	parent *irqdomain.Domain
	fake   *fakeParent
}

func newTestEnv(t *testing.T, capacity uint32) *testEnv {
	t.Helper()
	h := irqdomain.NewHierarchy(256)
	h.SetOnlineCPUs(irqdomain.MaskOf(0, 1))
	fake := &fakeParent{
		capacity:  capacity,
		supported: GenericFlagsMask | DomainFlagsMask,
		chip: &irqdomain.Chip{
			Name: "fake",
			ComposeMSIMsg: func(d *irqdomain.IrqData, msg *irqdomain.MSIMsg) error {
				msg.AddressLo = 0xfee00000
				msg.Data = uint32(d.Hwirq)
				return nil
			},
			SetAffinity: func(d *irqdomain.IrqData, mask *irqdomain.CPUMask, force bool) (irqdomain.SetMaskResult, error) {
				return irqdomain.SetMaskOK, nil
			},
		},
	}
	parent, err := CreateParentDomain(h, &irqdomain.Info{Name: "fake-vector", Ops: fake, Size: capacity}, &ParentOps{
		Prefix:         "TST-",
		BusSelectToken: irqdomain.BusNexus,
		BusSelectMask:  MatchPCIMSI | MatchPlatformMSI,
		InitDevMSIInfo: fake.initDevMSIInfo,
	})
	require.NoError(t, err)
	return &testEnv{h: h, parent: parent, fake: fake}
}

func (e *testEnv) newDevice(name string, bus device.Bus) *device.Device {
	dev := device.New(name, bus, 0)
	dev.SetMSIDomain(e.parent)
	return dev
}

// testTemplate caches every written message in the descriptor.
func testTemplate(token irqdomain.BusToken, flags Flags) *DomainTemplate {
	return &DomainTemplate{
		Chip: irqdomain.Chip{
			Name:   "TEST",
			Mask:   func(*irqdomain.IrqData) {},
			Unmask: func(*irqdomain.IrqData) {},
			WriteMSIMsg: func(d *irqdomain.IrqData, msg *irqdomain.MSIMsg) {
				if desc := DescOf(d); desc != nil {
					desc.Msg = *msg
				}
			},
		},
		Info: DomainInfo{BusToken: token, Flags: flags},
	}
}

func (e *testEnv) newDeviceDomain(t *testing.T, dev *device.Device, token irqdomain.BusToken, flags Flags, hwsize uint32) *irqdomain.Domain {
	t.Helper()
	require.NoError(t, CreateDeviceIrqDomain(dev, DefaultDomain, testTemplate(token, flags), hwsize, nil, nil))
	d := DeviceDomain(dev, DefaultDomain)
	require.NotNil(t, d)
	return d
}

func insertDesc(t *testing.T, dev *device.Device, domid uint32, init *Desc) {
	t.Helper()
	require.NoError(t, WithDescsLocked(dev, func() error {
		return InsertMSIDesc(dev, domid, init)
	}))
}

func indices(descs []Desc) []uint32 {
	out := make([]uint32, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Index)
	}
	return out
}

func devName(i int) string {
	return fmt.Sprintf("0000:00:%02x.0", i)
}
