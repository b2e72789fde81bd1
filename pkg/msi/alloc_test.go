// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package msi

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
)

func firstDesc(t *testing.T, dev *device.Device, domid uint32) *Desc {
	t.Helper()
	LockDescs(dev)
	defer UnlockDescs(dev)
	desc := DomainFirstDesc(dev, domid, FilterAll)
	require.NotNil(t, desc)
	return desc
}

func TestSingleVectorAllocFree(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagFreeMSIDescs, 32)

	m, err := AllocIrqAt(dev, DefaultDomain, AnyIndex, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), m.Index)
	assert.NotZero(t, m.Virq)
	assert.Equal(t, m.Virq, DomainGetVirq(dev, DefaultDomain, 0))

	FreeIrqsRange(dev, DefaultDomain, 0, 0)
	assert.Zero(t, DomainGetVirq(dev, DefaultDomain, 0))
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
	assert.Zero(t, env.fake.used)
	assert.Nil(t, env.h.TopIrqData(m.Virq))
}

func TestMultiMSIReservation(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPCI)
	d := env.newDeviceDomain(t, dev, irqdomain.BusPCIDeviceMSI,
		FlagActivateEarly|FlagMustReactivate|FlagMultiPCIMSI, 1)
	insertDesc(t, dev, DefaultDomain, &Desc{Index: 0, NvecUsed: 4, PCI: PCIAttrs{CanMask: true}})

	require.NoError(t, AllocIrqsRange(dev, DefaultDomain, 0, 0))
	desc := firstDesc(t, dev, DefaultDomain)
	require.NotZero(t, desc.Irq)
	for i := uint32(0); i < 4; i++ {
		irqd := env.h.IrqData(d, desc.Irq+i)
		require.NotNil(t, irqd)
		assert.False(t, irqd.IsActivated(), "virq %d", desc.Irq+i)
		assert.True(t, irqd.CanReserve(), "virq %d", desc.Irq+i)
		assert.Same(t, desc, DescOf(irqd))
	}
	assert.Equal(t, 4, env.fake.reservations)
	assert.Zero(t, env.fake.activations)
}

func TestNoReservationWithoutMask(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPCI)
	d := env.newDeviceDomain(t, dev, irqdomain.BusPCIDeviceMSI, FlagActivateEarly|FlagMustReactivate, 1)
	insertDesc(t, dev, DefaultDomain, &Desc{Index: 0, NvecUsed: 1})

	require.NoError(t, AllocIrqsRange(dev, DefaultDomain, 0, 0))
	desc := firstDesc(t, dev, DefaultDomain)
	irqd := env.h.IrqData(d, desc.Irq)
	assert.True(t, irqd.IsActivated())
	assert.False(t, irqd.CanReserve())
	assert.Equal(t, irqdomain.MSIMsg{AddressLo: 0xfee00000, Data: desc.Irq}, desc.Msg)
	assert.Equal(t, 1, env.fake.activations)

	FreeIrqsAll(dev, DefaultDomain)
	assert.False(t, desc.Associated())
	assert.True(t, desc.Msg.IsZero())
	assert.Equal(t, 1, env.fake.deactivated)
}

func TestMultiMSIRetry(t *testing.T) {
	env := newTestEnv(t, 2)
	dev := env.newDevice(devName(1), device.BusPCI)
	d := env.newDeviceDomain(t, dev, irqdomain.BusPCIDeviceMSI,
		FlagActivateEarly|FlagMustReactivate|FlagMultiPCIMSI|FlagFreeMSIDescs, 1)

	insertDesc(t, dev, DefaultDomain, &Desc{Index: 0, NvecUsed: 4, PCI: PCIAttrs{CanMask: true}})
	err := AllocIrqsRange(dev, DefaultDomain, 0, 0)
	require.ErrorIs(t, err, ErrRetryMulti)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
	assert.Zero(t, env.fake.used)

	insertDesc(t, dev, DefaultDomain, &Desc{Index: 0, NvecUsed: 2, PCI: PCIAttrs{CanMask: true}})
	require.NoError(t, AllocIrqsRange(dev, DefaultDomain, 0, 0))
	desc := firstDesc(t, dev, DefaultDomain)
	assert.Same(t, desc, env.h.MSIDesc(desc.Irq))
	assert.Same(t, desc, env.h.MSIDesc(desc.Irq+1))
	assert.NotNil(t, env.h.IrqData(d, desc.Irq+1))
	assert.Equal(t, uint32(2), env.fake.used)
}

func TestMSIXPartialAllocation(t *testing.T) {
	env := newTestEnv(t, 2)
	dev := env.newDevice(devName(1), device.BusPCI)
	env.newDeviceDomain(t, dev, irqdomain.BusPCIDeviceMSIX, FlagPCIMSIX, 8)
	for idx := uint32(0); idx < 3; idx++ {
		insertDesc(t, dev, DefaultDomain, &Desc{Index: idx, NvecUsed: 1, PCI: PCIAttrs{IsMSIX: true}})
	}

	err := AllocIrqsRange(dev, DefaultDomain, 0, 2)
	var perr *PartialAllocError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, 2, perr.Allocated)
	assert.ErrorIs(t, err, ErrNoSpace)

	// Everything is rolled back, the descriptors stay for the retry.
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAssociated))
	assert.Len(t, Descriptors(dev, DefaultDomain, FilterNotAssociated), 3)
	assert.Zero(t, env.fake.used)

	require.NoError(t, AllocIrqsRange(dev, DefaultDomain, 0, 1))
	assert.Len(t, Descriptors(dev, DefaultDomain, FilterAssociated), 2)
}

func TestNonPCIAllocationFailure(t *testing.T) {
	env := newTestEnv(t, 1)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagAllocSimpleMSIDescs|FlagFreeMSIDescs, 8)

	err := AllocIrqsRange(dev, DefaultDomain, 0, 1)
	assert.ErrorIs(t, err, ErrNoSpace)
	var perr *PartialAllocError
	assert.False(t, errors.As(err, &perr))
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
	assert.Zero(t, env.fake.used)
}

func TestSimpleDescsRollback(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagAllocSimpleMSIDescs, 8)
	insertDesc(t, dev, DefaultDomain, &Desc{Index: 2, NvecUsed: 1})

	// Index 2 is taken; 0 and 1 are inserted and erased again.
	assert.ErrorIs(t, AllocIrqsRange(dev, DefaultDomain, 0, 3), ErrIndexTaken)
	assert.Equal(t, []uint32{2}, indices(Descriptors(dev, DefaultDomain, FilterAll)))
	assert.Zero(t, env.fake.used)
}

func TestAllocValidation(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagAllocSimpleMSIDescs, 8)

	assert.ErrorIs(t, AllocIrqsRange(dev, MaxDeviceDomains, 0, 0), ErrInvalid)
	assert.ErrorIs(t, AllocIrqsRange(dev, SecondaryDomain, 0, 0), ErrNoDomain)
	assert.ErrorIs(t, AllocIrqsRange(dev, DefaultDomain, 3, 2), ErrOutOfRange)
	assert.ErrorIs(t, AllocIrqsRange(dev, DefaultDomain, 0, 8), ErrOutOfRange)
	assert.ErrorIs(t, AllocIrqsRange(device.New(devName(2), device.BusPlatform, 0), DefaultDomain, 0, 0), ErrInvalid)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
}

func TestAllocMoreDescriptorsThanRequested(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, 0, 8)
	insertDesc(t, dev, DefaultDomain, &Desc{Index: 0, NvecUsed: 1})
	insertDesc(t, dev, DefaultDomain, &Desc{Index: 1, NvecUsed: 1})

	err := WithDescsLocked(dev, func() error {
		return AllocIrqsAllLocked(dev, DefaultDomain, 1)
	})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAssociated))
	assert.Zero(t, env.fake.used)
}

func TestAllocIrqAt(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPCI)
	env.newDeviceDomain(t, dev, irqdomain.BusPCIDeviceMSIX, FlagPCIMSIX|FlagPCIMSIXAllocDyn, 32)

	m, err := AllocIrqAt(dev, DefaultDomain, 7, nil, DomainCookie(99))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), m.Index)
	assert.Equal(t, m.Virq, GetVirq(dev, 7))

	_, err = AllocIrqAt(dev, DefaultDomain, 7, nil, nil)
	assert.ErrorIs(t, err, ErrIndexTaken)
	_, err = AllocIrqAt(dev, DefaultDomain, 32, nil, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = AllocIrqAt(dev, MaxDeviceDomains, 0, nil, nil)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = AllocIrqAt(dev, SecondaryDomain, 0, nil, nil)
	assert.ErrorIs(t, err, ErrNoDomain)

	m2, err := AllocIrqAt(dev, DefaultDomain, AnyIndex, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), m2.Index)
	assert.Equal(t, []uint32{0, 7}, indices(Descriptors(dev, DefaultDomain, FilterAll)))

	desc := Descriptors(dev, DefaultDomain, FilterAll)[1]
	assert.Equal(t, uint64(99), desc.Cookie.Value())
}

func TestAllocIrqAtFailureLeavesNoDescriptor(t *testing.T) {
	env := newTestEnv(t, 0)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, 0, 8)

	_, err := AllocIrqAt(dev, DefaultDomain, AnyIndex, nil, nil)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
}

func TestManagedAffinityOffline(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	d := env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagActivateEarly, 8)

	m, err := AllocIrqAt(dev, DefaultDomain, AnyIndex, &irqdomain.AffinityDesc{Mask: irqdomain.MaskOf(5), IsManaged: true}, nil)
	require.NoError(t, err)
	irqd := env.h.IrqData(d, m.Virq)
	assert.True(t, irqd.IsManaged())
	assert.True(t, irqd.IsManagedShutdown())
	assert.False(t, irqd.IsActivated())
	assert.False(t, irqd.CanReserve())
	assert.Zero(t, env.fake.activations)

	m, err = AllocIrqAt(dev, DefaultDomain, AnyIndex, &irqdomain.AffinityDesc{Mask: irqdomain.MaskOf(1), IsManaged: true}, nil)
	require.NoError(t, err)
	irqd = env.h.IrqData(d, m.Virq)
	assert.False(t, irqd.IsManagedShutdown())
	assert.True(t, irqd.IsActivated())
	mask := irqd.AffinityMask()
	assert.True(t, mask.IsSet(1))
}

func TestCustomDomainAllocFree(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)

	var allocated []uint32
	var freed, postFreed int
	tmpl := testTemplate(irqdomain.BusDeviceMSI, FlagAllocSimpleMSIDescs|FlagFreeMSIDescs)
	tmpl.Ops.DomainAllocIrqs = func(d *irqdomain.Domain, dev *device.Device, nvec uint32) error {
		allocated = append(allocated, nvec)
		return nil
	}
	tmpl.Ops.DomainFreeIrqs = func(d *irqdomain.Domain, dev *device.Device) { freed++ }
	tmpl.Ops.MSIPostFree = func(d *irqdomain.Domain, dev *device.Device) { postFreed++ }
	require.NoError(t, CreateDeviceIrqDomain(dev, DefaultDomain, tmpl, 8, nil, nil))

	require.NoError(t, AllocIrqsRange(dev, DefaultDomain, 0, 3))
	assert.Equal(t, []uint32{4}, allocated)
	assert.Len(t, Descriptors(dev, DefaultDomain, FilterNotAssociated), 4)
	assert.Zero(t, env.fake.used)

	FreeIrqsRange(dev, DefaultDomain, 0, 3)
	assert.Equal(t, 1, freed)
	assert.Equal(t, 1, postFreed)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
}

func TestMSIInitRollback(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPCI)

	var freed []uint32
	tmpl := testTemplate(irqdomain.BusPCIDeviceMSI, FlagMultiPCIMSI)
	tmpl.Ops.MSIInit = func(d *irqdomain.Domain, info *DomainInfo, virq uint32, hwirq uint64, arg *AllocInfo) error {
		if hwirq == 2 {
			return errors.New("init failed")
		}
		return defaultMSIInit(d, info, virq, hwirq, arg)
	}
	tmpl.Ops.MSIFree = func(d *irqdomain.Domain, info *DomainInfo, virq uint32) {
		freed = append(freed, virq)
	}
	require.NoError(t, CreateDeviceIrqDomain(dev, DefaultDomain, tmpl, 1, nil, nil))
	insertDesc(t, dev, DefaultDomain, &Desc{Index: 0, NvecUsed: 4})

	assert.ErrorIs(t, AllocIrqsRange(dev, DefaultDomain, 0, 0), ErrRetryMulti)
	assert.Len(t, freed, 2)
	assert.Zero(t, env.fake.used)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAssociated))
}

func TestFreeLeavesUnrelatedDescriptors(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagAllocSimpleMSIDescs|FlagFreeMSIDescs, 8)
	require.NoError(t, AllocIrqsRange(dev, DefaultDomain, 0, 3))

	FreeIrqsRange(dev, DefaultDomain, 1, 2)
	assert.Equal(t, []uint32{0, 3}, indices(Descriptors(dev, DefaultDomain, FilterAssociated)))
	assert.Equal(t, uint32(2), env.fake.used)

	// Out of range frees are ignored.
	FreeIrqsRange(dev, DefaultDomain, 0, 8)
	assert.Equal(t, uint32(2), env.fake.used)

	FreeIrqsAll(dev, DefaultDomain)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
	assert.Zero(t, env.fake.used)
}

func TestRangeEraseLeaksLiveDescriptor(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, 0, 16)
	for idx := uint32(0); idx <= 10; idx++ {
		if idx == 5 {
			continue
		}
		insertDesc(t, dev, DefaultDomain, &Desc{Index: idx, NvecUsed: 1})
	}
	m, err := AllocIrqAt(dev, DefaultDomain, 5, nil, nil)
	require.NoError(t, err)

	var rep EraseReport
	require.NoError(t, WithDescsLocked(dev, func() error {
		var err error
		rep, err = FreeMSIDescsRange(dev, DefaultDomain, 0, 10)
		return err
	}))
	require.Len(t, rep.Leaked, 1)
	assert.Equal(t, uint32(5), rep.Leaked[0].Index)
	assert.Len(t, rep.Erased, 10)
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))

	// The interrupt is still bound to the leaked descriptor.
	assert.Same(t, rep.Leaked[0], env.h.MSIDesc(m.Virq))
	assert.Equal(t, uint32(1), env.fake.used)
	assert.Len(t, Orphans(dev), 1)

	assert.Equal(t, 1, ReapOrphans(dev))
	assert.Empty(t, Orphans(dev))
	assert.Zero(t, env.fake.used)
	assert.Nil(t, env.h.TopIrqData(m.Virq))
}

func TestFreeMSIDescsRangeValidation(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, 0, 4)

	err := WithDescsLocked(dev, func() error {
		_, err := FreeMSIDescsRange(dev, DefaultDomain, 0, 4)
		return err
	})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDomainSetAffinity(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice(devName(1), device.BusPlatform)
	d := env.newDeviceDomain(t, dev, irqdomain.BusDeviceMSI, FlagActivateEarly, 8)

	m, err := AllocIrqAt(dev, DefaultDomain, AnyIndex, nil, nil)
	require.NoError(t, err)
	desc := firstDesc(t, dev, DefaultDomain)
	want := desc.Msg
	require.False(t, want.IsZero())

	desc.Msg = irqdomain.MSIMsg{}
	irqd := env.h.IrqData(d, m.Virq)
	mask := irqdomain.MaskOf(1)
	res, err := irqd.Chip.SetAffinity(irqd, &mask, false)
	require.NoError(t, err)
	assert.Equal(t, irqdomain.SetMaskOK, res)
	assert.Equal(t, want, desc.Msg)

	cached, ok := GetCachedMSIMsg(env.h, m.Virq)
	assert.True(t, ok)
	assert.Equal(t, want, cached)
	assert.Equal(t, want, CachedMSIMsg(desc))

	// The write back waits for the descriptor lock.
	LockDescs(dev)
	desc.Msg = irqdomain.MSIMsg{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = irqd.Chip.SetAffinity(irqd, &mask, false)
	}()
	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	UnlockDescs(dev)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, desc.Msg)
}

func TestWiredToMSI(t *testing.T) {
	env := newTestEnv(t, 16)
	dev := env.newDevice("gpio-intc", device.BusPlatform)

	tmpl := testTemplate(irqdomain.BusWiredToMSI, FlagFreeMSIDescs)
	tmpl.Ops.SetDesc = func(arg *AllocInfo, desc *Desc) {
		arg.Desc = desc
		arg.Hwirq = desc.Cookie.Value() & 0xffffffff
	}
	require.NoError(t, CreateDeviceIrqDomain(dev, DefaultDomain, tmpl, 0, nil, nil))
	d := DeviceDomain(dev, DefaultDomain)

	virq, err := DeviceDomainAllocWired(d, 42, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), env.h.IrqData(d, virq).Hwirq)
	desc := firstDesc(t, dev, DefaultDomain)
	assert.Equal(t, WiredCookie{Type: 4, Hwirq: 42}, desc.Cookie)

	// The same wire cannot be mapped twice.
	_, err = DeviceDomainAllocWired(d, 42, 4)
	assert.Error(t, err)
	assert.Len(t, Descriptors(dev, DefaultDomain, FilterAll), 1)

	require.NoError(t, DeviceDomainFreeWired(d, virq))
	assert.Empty(t, Descriptors(dev, DefaultDomain, FilterAll))
	assert.Zero(t, env.fake.used)
	assert.ErrorIs(t, DeviceDomainFreeWired(d, virq), ErrInvalid)

	other := env.newDevice(devName(2), device.BusPlatform)
	od := env.newDeviceDomain(t, other, irqdomain.BusDeviceMSI, 0, 8)
	_, err = DeviceDomainAllocWired(od, 1, 1)
	assert.ErrorIs(t, err, ErrInvalid)
}
