// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package pci

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jaypipes/pcidb"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

const (
	UnknownVendor  = "Unknown Vendor"
	UnknownProduct = "Unknown Device"
)

// IDResolver names PCI vendors and devices from a pci.ids database.
type IDResolver struct {
	db *pcidb.PCIDB
}

// NewIDResolver loads the pci.ids database found below root, "" meaning the
// host root.
func NewIDResolver(root string) (*IDResolver, error) {
	var opts []*pcidb.WithOption
	if root != "" {
		opts = append(opts, pcidb.WithChroot(root))
	}
	db, err := pcidb.New(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "pci: load pci.ids below %q", root)
	}
	klog.V(dbgLvlInfo).InfoS("pci.NewIDResolver", "root", root, "vendors", len(db.Vendors))
	return NewIDResolverFromDB(db), nil
}

// NewIDResolverFromDB wraps an already loaded database.
func NewIDResolverFromDB(db *pcidb.PCIDB) *IDResolver {
	return &IDResolver{db: db}
}

func idKey(id uint16) string {
	return fmt.Sprintf("%04x", id)
}

// VendorName returns the name of vendor id.
func (r *IDResolver) VendorName(vendor uint16) string {
	if r == nil || r.db == nil {
		return UnknownVendor
	}
	v, ok := r.db.Vendors[idKey(vendor)]
	if !ok {
		return UnknownVendor
	}
	return v.Name
}

// ProductName returns the name of device id of vendor.
func (r *IDResolver) ProductName(vendor, device uint16) string {
	if r == nil || r.db == nil {
		return UnknownProduct
	}
	p, ok := r.db.Products[idKey(vendor)+idKey(device)]
	if !ok {
		return UnknownProduct
	}
	return p.Name
}

// Products lists the device names of vendor whose name contains match,
// sorted.
func (r *IDResolver) Products(vendor uint16, match string) []string {
	if r == nil || r.db == nil {
		return nil
	}
	v, ok := r.db.Vendors[idKey(vendor)]
	if !ok {
		return nil
	}
	match = strings.ToLower(match)
	found := lo.Filter(v.Products, func(p *pcidb.Product, _ int) bool {
		return p != nil && strings.Contains(strings.ToLower(p.Name), match)
	})
	names := lo.Uniq(lo.Map(found, func(p *pcidb.Product, _ int) string {
		return p.Name
	}))
	sort.Strings(names)
	return names
}
