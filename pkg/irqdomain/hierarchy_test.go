// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package irqdomain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rootOps maps every virq to hwirq virq+100 and records activations.
type rootOps struct {
	failAlloc   bool
	failAct     bool
	activated   []uint32
	deactivated []uint32
	freed       []uint32
	chip        *Chip
}

func (r *rootOps) Alloc(d *Domain, virq, nr uint32, arg any) error {
	if r.failAlloc {
		return ErrNoSpace
	}
	for i := uint32(0); i < nr; i++ {
		if err := d.Hierarchy().SetHwirqAndChip(d, virq+i, uint64(virq+i+100), r.chip, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *rootOps) Free(d *Domain, virq, nr uint32) {
	for i := uint32(0); i < nr; i++ {
		r.freed = append(r.freed, virq+i)
	}
}

func (r *rootOps) Activate(d *Domain, irqd *IrqData, reserve bool) error {
	if r.failAct {
		return ErrNoSpace
	}
	r.activated = append(r.activated, irqd.Irq)
	return nil
}

func (r *rootOps) Deactivate(d *Domain, irqd *IrqData) {
	r.deactivated = append(r.deactivated, irqd.Irq)
}

// childOps delegates everything to the parent level.
type childOps struct {
	activated []uint32
}

func (c *childOps) Alloc(d *Domain, virq, nr uint32, arg any) error {
	return d.Hierarchy().AllocIrqsParent(d, virq, nr, arg)
}

func (c *childOps) Free(d *Domain, virq, nr uint32) {
	d.Hierarchy().FreeIrqsTop(d, virq, nr)
}

func (c *childOps) Activate(d *Domain, irqd *IrqData, reserve bool) error {
	c.activated = append(c.activated, irqd.Irq)
	return nil
}

func (c *childOps) Deactivate(d *Domain, irqd *IrqData) {}

func newTestStack(t *testing.T) (*Hierarchy, *Domain, *Domain, *rootOps, *childOps) {
	t.Helper()
	h := NewHierarchy(16)
	ro := &rootOps{chip: &Chip{
		Name: "root",
		ComposeMSIMsg: func(d *IrqData, msg *MSIMsg) error {
			msg.AddressLo = 0xfee00000
			msg.Data = uint32(d.Hwirq)
			return nil
		},
	}}
	root, err := h.CreateDomain(&Info{Name: "root", Ops: ro, BusToken: BusNexus})
	require.NoError(t, err)
	co := &childOps{}
	child, err := h.CreateDomain(&Info{Name: "child", Ops: co, Parent: root})
	require.NoError(t, err)
	return h, root, child, ro, co
}

func TestAllocIrqsBuildsLevels(t *testing.T) {
	h, root, child, _, _ := newTestStack(t)
	assert.True(t, child.IsHierarchy())
	assert.False(t, root.IsHierarchy())

	virq, err := h.AllocIrqs(child, 3, -1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), virq, "virq 0 is never handed out")
	assert.Equal(t, 3, h.Allocated())

	for i := uint32(0); i < 3; i++ {
		top := h.TopIrqData(virq + i)
		require.NotNil(t, top)
		assert.Equal(t, child, top.Domain)
		require.NotNil(t, top.Parent)
		assert.Equal(t, root, top.Parent.Domain)
		assert.Equal(t, uint64(virq+i+100), top.Parent.Hwirq)
		assert.Same(t, top.Parent, top.Root())

		got, ok := h.FindMapping(root, uint64(virq+i+100))
		assert.True(t, ok)
		assert.Equal(t, virq+i, got)
	}
}

func TestAllocIrqsContiguousAndExhaustion(t *testing.T) {
	h, _, child, _, _ := newTestStack(t)

	a, err := h.AllocIrqs(child, 10, -1, nil, nil)
	require.NoError(t, err)
	_, err = h.AllocIrqs(child, 10, -1, nil, nil)
	assert.True(t, errors.Is(err, ErrNoSpace))

	b, err := h.AllocIrqs(child, 5, -1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a+10, b)

	h.FreeIrqs(a+2, 2)
	c, err := h.AllocIrqs(child, 2, -1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a+2, c, "a freed hole is reused")

	_, err = h.AllocIrqs(child, 1, -1, nil, nil)
	assert.True(t, errors.Is(err, ErrNoSpace))
}

func TestAllocIrqsRollsBackOnOpsFailure(t *testing.T) {
	h, _, child, ro, _ := newTestStack(t)
	ro.failAlloc = true

	_, err := h.AllocIrqs(child, 4, -1, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 0, h.Allocated())

	ro.failAlloc = false
	virq, err := h.AllocIrqs(child, 4, -1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), virq)
}

func TestAllocIrqsAffinity(t *testing.T) {
	h, _, child, _, _ := newTestStack(t)
	h.SetOnlineCPUs(MaskOf(0, 1))

	aff := []AffinityDesc{
		{Mask: MaskOf(1), IsManaged: true},
		{Mask: MaskOf(3)},
	}
	_, err := h.AllocIrqs(child, 3, -1, nil, aff)
	assert.True(t, errors.Is(err, ErrInvalid))

	virq, err := h.AllocIrqs(child, 2, -1, nil, aff)
	require.NoError(t, err)

	first := h.TopIrqData(virq)
	assert.True(t, first.IsManaged())
	mask := first.AffinityMask()
	assert.True(t, mask.IsSet(1))
	assert.Equal(t, 1, FirstCPU(&mask))

	second := h.TopIrqData(virq + 1)
	assert.False(t, second.IsManaged())
	online := h.OnlineCPUs()
	m2 := second.AffinityMask()
	assert.False(t, MaskIntersects(&m2, &online))

	plain, err := h.AllocIrqs(child, 1, -1, nil, nil)
	require.NoError(t, err)
	m3 := h.TopIrqData(plain).AffinityMask()
	assert.Equal(t, online, m3, "no affinity means all online cpus")
}

func TestActivateDeactivateOrder(t *testing.T) {
	h, _, child, ro, co := newTestStack(t)
	virq, err := h.AllocIrqs(child, 1, -1, nil, nil)
	require.NoError(t, err)

	top := h.TopIrqData(virq)
	require.NoError(t, h.ActivateIrq(top, false))
	assert.True(t, top.IsActivated())
	assert.Equal(t, []uint32{virq}, ro.activated)
	assert.Equal(t, []uint32{virq}, co.activated)

	require.NoError(t, h.ActivateIrq(top, false))
	assert.Len(t, ro.activated, 1, "already active")

	h.DeactivateIrq(top)
	assert.False(t, top.IsActivated())
	assert.Equal(t, []uint32{virq}, ro.deactivated)
}

func TestActivateFailure(t *testing.T) {
	h, _, child, ro, _ := newTestStack(t)
	virq, err := h.AllocIrqs(child, 1, -1, nil, nil)
	require.NoError(t, err)

	ro.failAct = true
	top := h.TopIrqData(virq)
	assert.Error(t, h.ActivateIrq(top, true))
	assert.False(t, top.IsActivated())
}

func TestComposeMSIMsgUsesRootChip(t *testing.T) {
	h, _, child, _, _ := newTestStack(t)
	virq, err := h.AllocIrqs(child, 1, -1, nil, nil)
	require.NoError(t, err)

	var msg MSIMsg
	require.NoError(t, h.ComposeMSIMsg(h.TopIrqData(virq), &msg))
	assert.Equal(t, uint32(0xfee00000), msg.AddressLo)
	assert.Equal(t, virq+100, msg.Data)
	assert.False(t, msg.IsZero())
}

func TestFreeIrqsDropsMappings(t *testing.T) {
	h, root, child, ro, _ := newTestStack(t)
	virq, err := h.AllocIrqs(child, 2, -1, nil, nil)
	require.NoError(t, err)

	h.FreeIrqs(virq, 2)
	assert.Equal(t, []uint32{virq, virq + 1}, ro.freed)
	assert.Nil(t, h.TopIrqData(virq))
	_, ok := h.FindMapping(root, uint64(virq+100))
	assert.False(t, ok)
	assert.Equal(t, 0, h.Allocated())
}

func TestMSIDescAndHandler(t *testing.T) {
	h, _, child, _, _ := newTestStack(t)
	virq, err := h.AllocIrqs(child, 1, -1, nil, nil)
	require.NoError(t, err)

	assert.Error(t, h.SetMSIDesc(virq+5, "x"))
	require.NoError(t, h.SetMSIDesc(virq, "desc"))
	assert.Equal(t, "desc", h.MSIDesc(virq))

	h.SetHandler(virq, "edge", 42)
	top := h.TopIrqData(virq)
	assert.Equal(t, "edge", top.HandlerName())
	assert.Equal(t, 42, top.HandlerData())
}

func TestIrqStateBits(t *testing.T) {
	h, _, child, _, _ := newTestStack(t)
	virq, err := h.AllocIrqs(child, 1, -1, nil, nil)
	require.NoError(t, err)
	d := h.TopIrqData(virq)

	d.SetCanReserve()
	assert.True(t, d.CanReserve())
	assert.True(t, d.Parent.CanReserve(), "state is shared by all levels")
	d.ClearCanReserve()
	assert.False(t, d.CanReserve())

	d.SetManagedShutdown()
	assert.True(t, d.IsManagedShutdown())
	d.ClearManagedShutdown()
	assert.False(t, d.IsManagedShutdown())
}

func TestDomainRegistry(t *testing.T) {
	h, root, child, _, _ := newTestStack(t)
	fw := AllocNamedFwnode("dev-fw")
	d, err := h.CreateDomain(&Info{Fwnode: fw, Ops: &childOps{}, Parent: root, BusToken: BusDeviceMSI})
	require.NoError(t, err)
	assert.Equal(t, "dev-fw", d.Name)
	assert.Equal(t, d, h.FindDomain(fw, BusDeviceMSI))
	assert.Nil(t, h.FindDomain(fw, BusPCIMSI))
	assert.Equal(t, d, h.FindDomain(fw, BusAny))

	d.UpdateBusToken(BusWiredToMSI)
	assert.Equal(t, "WIRED_TO_MSI", d.BusToken.String())

	h.RemoveDomain(d)
	h.RemoveDomain(d)
	assert.Equal(t, []*Domain{root, child}, h.Domains())
	_, err = h.AllocIrqs(d, 1, -1, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalid))

	FreeFwnode(fw)
	assert.False(t, fw.IsNamed())

	_, err = h.CreateDomain(&Info{Name: "noops"})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestTranslateWithoutTranslator(t *testing.T) {
	_, root, _, _, _ := newTestStack(t)
	_, _, err := root.Translate(&Fwspec{Param: []uint32{1}})
	assert.True(t, errors.Is(err, ErrNotSupported))
	assert.True(t, BusPCIDeviceMSIX.IsPCI())
	assert.False(t, BusDeviceMSI.IsPCI())
}
