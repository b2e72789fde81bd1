// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file decodes the MSI and MSI-X capabilities from PCI config space.
// Register fields narrower than a byte are declared with the bitfield types
// and decoded at bit level, little endian, in declaration order.

package pci

import (
	"reflect"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type bitfield1 uint8
type bitfield3 uint8
type bitfield5 uint8
type bitfield11 uint16
type bitfield29 uint32

var bitfieldWidth = map[reflect.Type]int{
	reflect.TypeOf(bitfield1(0)):  1,
	reflect.TypeOf(bitfield3(0)):  3,
	reflect.TypeOf(bitfield5(0)):  5,
	reflect.TypeOf(bitfield11(0)): 11,
	reflect.TypeOf(bitfield29(0)): 29,
}

const (
	CapIDMSI  = 0x05
	CapIDMSIX = 0x11

	cfgStatus       = 0x06
	cfgStatusCapLst = 1 << 4
	cfgCapPtr       = 0x34
	cfgHeaderSize   = 0x40
	cfgSize         = 0x100
	maxCapabilities = 48
)

var ErrBadConfig = errors.New("pci: bad config space")

// MSI capability, PCIe r6.0 sec 7.7.1.
type msiCap struct {
	CapID         uint8
	Next          uint8
	Enable        bitfield1
	MultiCap      bitfield3
	MultiEnable   bitfield3
	Addr64        bitfield1
	PerVectorMask bitfield1
	ExtData       bitfield1
	ExtDataEnable bitfield1
	_             bitfield5
}

// MSI-X capability, PCIe r6.0 sec 7.7.2.
type msixCap struct {
	CapID        uint8
	Next         uint8
	TableSize    bitfield11
	_            bitfield3
	FunctionMask bitfield1
	Enable       bitfield1
	TableBIR     bitfield3
	TableOffset  bitfield29
	PBABIR       bitfield3
	PBAOffset    bitfield29
}

func fieldWidth(t reflect.Type) int {
	if w, ok := bitfieldWidth[t]; ok {
		return w
	}
	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(t.Size()) * 8
	}
	return -1
}

// bitSize returns the number of bits of the struct pointed to by data.
func bitSize(t reflect.Type) int {
	sum := 0
	for i := 0; i < t.NumField(); i++ {
		w := fieldWidth(t.Field(i).Type)
		if w < 0 {
			return -1
		}
		sum += w
	}
	return sum
}

// readBits returns width bits of buf starting at bit bitOfs.
func readBits(buf []byte, bitOfs, width int) uint64 {
	startByte := bitOfs >> 3
	endByte := (bitOfs + width - 1) >> 3
	val := uint64(0)
	for i := 0; i <= endByte-startByte; i++ {
		val |= uint64(buf[startByte+i]) << (8 * i)
	}
	val >>= uint(bitOfs - startByte*8)
	return val & (1<<uint(width) - 1)
}

// BitFieldRead decodes buf into the struct pointed to by data. Blank fields
// are skipped.
func BitFieldRead(buf []byte, data any) error {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return errors.Errorf("pci.BitFieldRead: invalid type %T", data)
	}
	v = v.Elem()
	t := v.Type()
	size := bitSize(t)
	if size < 0 {
		return errors.Errorf("pci.BitFieldRead: unsupported field in %s", t.Name())
	}
	if size > len(buf)*8 {
		return errors.Wrapf(ErrBadConfig, "%s needs %d bytes, have %d", t.Name(), (size+7)/8, len(buf))
	}

	bitOfs := 0
	for i := 0; i < t.NumField(); i++ {
		w := fieldWidth(t.Field(i).Type)
		if f := v.Field(i); f.CanSet() {
			f.SetUint(readBits(buf, bitOfs, w))
		}
		klog.V(dbgLvlDeepDetail).InfoS("pci.BitFieldRead", "field", t.Field(i).Name, "bitOfs", bitOfs, "width", w)
		bitOfs += w
	}
	return nil
}

// findCapability returns the config space offset of capability id, 0 if
// the function does not have it.
func findCapability(cfg []byte, id uint8) int {
	if cfg[cfgStatus]&cfgStatusCapLst == 0 {
		return 0
	}
	pos := int(cfg[cfgCapPtr]) &^ 3
	for n := 0; n < maxCapabilities && pos >= cfgHeaderSize && pos+1 < len(cfg); n++ {
		if cfg[pos] == 0xff {
			break
		}
		if cfg[pos] == id {
			return pos
		}
		pos = int(cfg[pos+1]) &^ 3
	}
	return 0
}

// ParseCapabilities derives the interrupt capabilities of a function from
// its config space.
func ParseCapabilities(cfg []byte) (Options, error) {
	var opts Options
	if len(cfg) < cfgHeaderSize || len(cfg) > cfgSize*16 {
		return opts, errors.Wrapf(ErrBadConfig, "%d bytes", len(cfg))
	}

	if pos := findCapability(cfg, CapIDMSI); pos != 0 {
		var c msiCap
		if err := BitFieldRead(cfg[pos:], &c); err != nil {
			return opts, err
		}
		if c.MultiCap > 5 {
			return opts, errors.Wrapf(ErrBadConfig, "multiple message capable %d", c.MultiCap)
		}
		opts.MSIVectors = 1 << c.MultiCap
		opts.MSIMask = c.PerVectorMask != 0
		opts.Is64 = c.Addr64 != 0
		klog.V(dbgLvlDetail).InfoS("pci.ParseCapabilities MSI", "pos", hex(pos), "cap", c)
	}
	if pos := findCapability(cfg, CapIDMSIX); pos != 0 {
		var c msixCap
		if err := BitFieldRead(cfg[pos:], &c); err != nil {
			return opts, err
		}
		opts.MSIXTableSize = uint32(c.TableSize) + 1
		klog.V(dbgLvlDetail).InfoS("pci.ParseCapabilities MSI-X", "pos", hex(pos), "cap", c)
	}
	return opts, opts.validate()
}
