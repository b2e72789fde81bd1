// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestInitMSIDataOnce(t *testing.T) {
	d := New("0000:01:00.0", BusPCI, 0)
	assert.True(t, d.IsPCI())

	got, stored := d.InitMSIData("first")
	assert.True(t, stored)
	assert.Equal(t, "first", got)

	got, stored = d.InitMSIData("second")
	assert.False(t, stored)
	assert.Equal(t, "first", got)

	d.ClearMSIData()
	assert.Nil(t, d.MSIData())
}

func TestReleaseResourcesReverseOrder(t *testing.T) {
	d := New("plat0", BusPlatform, -1)
	var order []string
	for _, n := range []string{"a", "b", "c"} {
		n := n
		require.NoError(t, d.AddResource(&Resource{Name: n, Release: func() error {
			order = append(order, n)
			return nil
		}}))
	}
	require.NoError(t, d.Destroy())
	assert.Equal(t, []string{"c", "b", "a"}, order)

	assert.NoError(t, d.Destroy(), "second destroy is a no-op")
	err := d.AddResource(&Resource{Name: "late", Release: func() error { return nil }})
	assert.True(t, errors.Is(err, ErrDestroyed))
}

func TestReleaseResourcesAggregatesErrors(t *testing.T) {
	d := New("plat1", BusPlatform, 0)
	e1 := errors.New("one")
	e2 := errors.New("two")
	require.NoError(t, d.AddResource(&Resource{Name: "r1", Release: func() error { return e1 }}))
	require.NoError(t, d.AddResource(&Resource{Name: "r2", Release: func() error { return e2 }}))

	err := d.ReleaseResources()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, errors.Is(err, e1))
	assert.True(t, errors.Is(err, e2))
}

func TestRemoveResource(t *testing.T) {
	d := New("plat2", BusPlatform, 0)
	called := false
	r := &Resource{Name: "r", Release: func() error { called = true; return nil }}
	require.NoError(t, d.AddResource(r))
	assert.True(t, d.RemoveResource(r))
	assert.False(t, d.RemoveResource(r))
	require.NoError(t, d.ReleaseResources())
	assert.False(t, called)
}

func TestMSIMode(t *testing.T) {
	d := New("0000:02:00.0", BusPCI, 1)
	d.SetMSIMode(true, false)
	assert.True(t, d.MSIEnabled())
	assert.False(t, d.MSIXEnabled())
	assert.Equal(t, 1, d.NumaNode())
	assert.Equal(t, "0000:02:00.0", d.Fwnode().Name())
	assert.False(t, d.Fwnode().IsNamed())
}
