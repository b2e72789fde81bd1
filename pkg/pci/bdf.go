// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package pci

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrBadAddress = errors.New("pci: bad device address")

// BDF is the PCI address of a function.
type BDF struct {
	Domain   uint16 `json:"domain"`
	Bus      uint8  `json:"bus"`
	Device   uint8  `json:"device"`
	Function uint8  `json:"function"`
}

// ParseBDF converts the Linux sysfs format $domain:$bus:$dev.$func into a
// BDF. The domain may be omitted.
func ParseBDF(addr string) (BDF, error) {
	var b BDF
	bdfStringList := strings.Split(strings.ToLower(strings.TrimSpace(addr)), ":")
	switch len(bdfStringList) {
	case 2:
		bdfStringList = append([]string{"0"}, bdfStringList...)
	case 3:
	default:
		return b, errors.Wrapf(ErrBadAddress, "%q: expect $domain:$bus:$dev.$func", addr)
	}
	dfStringList := strings.Split(bdfStringList[2], ".")
	if len(dfStringList) != 2 {
		return b, errors.Wrapf(ErrBadAddress, "%q: expect $dev.$func", addr)
	}

	domain, err := hexToInt(bdfStringList[0], 16)
	if err != nil {
		return b, errors.Wrapf(ErrBadAddress, "%q: domain: %v", addr, err)
	}
	bus, err := hexToInt(bdfStringList[1], 8)
	if err != nil {
		return b, errors.Wrapf(ErrBadAddress, "%q: bus: %v", addr, err)
	}
	dev, err := hexToInt(dfStringList[0], 5)
	if err != nil {
		return b, errors.Wrapf(ErrBadAddress, "%q: device: %v", addr, err)
	}
	fn, err := hexToInt(dfStringList[1], 3)
	if err != nil {
		return b, errors.Wrapf(ErrBadAddress, "%q: function: %v", addr, err)
	}
	b.Domain = uint16(domain)
	b.Bus = uint8(bus)
	b.Device = uint8(dev)
	b.Function = uint8(fn)
	return b, nil
}

// MustParseBDF is ParseBDF for addresses known to be valid.
func MustParseBDF(addr string) BDF {
	b, err := ParseBDF(addr)
	if err != nil {
		panic(err)
	}
	return b
}

func hexToInt(hexStr string, bits int) (uint64, error) {
	// base 16 for hexadecimal
	return strconv.ParseUint(hexStr, 16, bits)
}

// String returns the address in the sysfs format.
func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Domain, b.Bus, b.Device, b.Function)
}

// Short returns the address as BUS:DEV.FUN.
func (b BDF) Short() string {
	return fmt.Sprintf("%02X:%02X.%1X", b.Bus, b.Device, b.Function)
}

// ECAMOffset is the offset of the function's config space in the memory
// mapped configuration window of its segment.
func (b BDF) ECAMOffset() int64 {
	return (int64(b.Function) << 12) | (int64(b.Device) << 15) | (int64(b.Bus) << 20)
}
