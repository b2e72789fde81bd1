// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/device"
	"github.com/Seagate/msi-lib/pkg/irqdomain"
	"github.com/Seagate/msi-lib/pkg/msi"
	"github.com/Seagate/msi-lib/pkg/pci"
	"github.com/Seagate/msi-lib/pkg/platform"
	"github.com/Seagate/msi-lib/pkg/vector"
)

const (
	DefaultVirqs   = 1024
	DefaultVectors = 64
)

var ErrScenario = errors.New("invalid scenario")

// Scenario describes the interrupt topology to build and the allocations
// to run on it.
type Scenario struct {
	Virqs    uint32          `yaml:"virqs"`
	CPUs     []int           `yaml:"cpus"`
	Vector   vector.Options  `yaml:"vector"`
	Activate bool            `yaml:"activate"`
	PCI      []PCIEntry      `yaml:"pci"`
	Platform []PlatformEntry `yaml:"platform"`
}

// PCIEntry is a PCI function and the interrupt mode to enable on it.
type PCIEntry struct {
	BDF    string      `yaml:"bdf"`
	Vendor uint16      `yaml:"vendor"`
	Device uint16      `yaml:"device"`
	Numa   int         `yaml:"numa"`
	Caps   pci.Options `yaml:"caps"`
	// Config is the hex encoded config space. When set the capabilities
	// are read from it instead of Caps.
	Config  string `yaml:"config"`
	Mode    string `yaml:"mode"`
	Min     uint32 `yaml:"min"`
	Max     uint32 `yaml:"max"`
	Dynamic uint32 `yaml:"dynamic"`
}

// Wire is one mapped input of a wired to MSI controller.
type Wire struct {
	Pin  uint32 `yaml:"pin"`
	Type uint32 `yaml:"type"`
}

// PlatformEntry is a platform device with either plain device MSI vectors
// or wired inputs.
type PlatformEntry struct {
	Name      string `yaml:"name"`
	Vectors   uint32 `yaml:"vectors"`
	WiredPins uint32 `yaml:"wired_pins"`
	Wires     []Wire `yaml:"wires"`
}

// LoadScenario decodes a scenario from r, applies defaults and validates
// it.
func LoadScenario(r io.Reader) (*Scenario, error) {
	s := &Scenario{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode scenario")
	}
	s.setDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadScenarioFile reads the scenario at path.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open scenario")
	}
	defer f.Close()
	return LoadScenario(f)
}

func (s *Scenario) setDefaults() {
	if s.Virqs == 0 {
		s.Virqs = DefaultVirqs
	}
	if s.Vector.Vectors == 0 {
		s.Vector.Vectors = DefaultVectors
	}
	for i := range s.PCI {
		e := &s.PCI[i]
		if e.Mode == "" {
			e.Mode = "msix"
		}
		if e.Min == 0 {
			e.Min = 1
		}
		if e.Max == 0 {
			e.Max = e.Min
		}
	}
}

func (s *Scenario) validate() error {
	var err error
	for _, cpu := range s.CPUs {
		if cpu < 0 || cpu >= len(irqdomain.CPUMask{})*64 {
			err = multierr.Append(err, errors.Wrapf(ErrScenario, "cpu %d", cpu))
		}
	}
	dup := lo.FindDuplicates(lo.Map(s.PCI, func(e PCIEntry, _ int) string { return e.BDF }))
	for _, bdf := range dup {
		err = multierr.Append(err, errors.Wrapf(ErrScenario, "pci %s listed twice", bdf))
	}
	for _, e := range s.PCI {
		if _, perr := pci.ParseBDF(e.BDF); perr != nil {
			err = multierr.Append(err, errors.Wrapf(ErrScenario, "pci: %v", perr))
		}
		if e.Mode != "msi" && e.Mode != "msix" {
			err = multierr.Append(err, errors.Wrapf(ErrScenario, "pci %s: mode %q", e.BDF, e.Mode))
		}
		if e.Dynamic != 0 && e.Mode != "msix" {
			err = multierr.Append(err, errors.Wrapf(ErrScenario, "pci %s: dynamic entries need msix", e.BDF))
		}
	}
	for _, e := range s.Platform {
		if e.Name == "" {
			err = multierr.Append(err, errors.Wrap(ErrScenario, "platform device without name"))
		}
		if (e.Vectors == 0) == (e.WiredPins == 0) {
			err = multierr.Append(err, errors.Wrapf(ErrScenario, "platform %s: need either vectors or wired_pins", e.Name))
		}
		if len(e.Wires) != 0 && e.WiredPins == 0 {
			err = multierr.Append(err, errors.Wrapf(ErrScenario, "platform %s: wires without wired_pins", e.Name))
		}
	}
	return err
}

// System is a scenario brought up.
type System struct {
	H      *irqdomain.Hierarchy
	Vector *vector.Controller
	PCI    []*pci.Dev
	Plat   []*device.Device
	wired  []*platform.Wired
}

// Row is one line of the vector table.
type Row struct {
	Device  string `json:"device"`
	Name    string `json:"name,omitempty"`
	Domain  string `json:"domain"`
	Index   uint32 `json:"index"`
	Virq    uint32 `json:"virq"`
	Nvec    uint16 `json:"nvec"`
	Hwirq   string `json:"hwirq,omitempty"`
	CPU     int    `json:"cpu"`
	Vector  string `json:"vector"`
	Address string `json:"address"`
	Data    string `json:"data"`
	Masked  bool   `json:"masked"`
}

// Build creates the vector domain and every device of s and runs their
// allocations. Failing devices are logged and skipped; the errors are
// returned together with the system.
func Build(s *Scenario) (*System, error) {
	h := irqdomain.NewHierarchy(s.Virqs)
	if len(s.CPUs) != 0 {
		h.SetOnlineCPUs(irqdomain.MaskOf(s.CPUs...))
	}
	vc, err := vector.New(h, s.Vector)
	if err != nil {
		return nil, err
	}
	sys := &System{H: h, Vector: vc}

	for _, e := range s.PCI {
		if perr := sys.addPCI(e); perr != nil {
			klog.ErrorS(perr, "msi-util: pci device", "bdf", e.BDF)
			err = multierr.Append(err, perr)
		}
	}
	for _, e := range s.Platform {
		if perr := sys.addPlatform(e); perr != nil {
			klog.ErrorS(perr, "msi-util: platform device", "name", e.Name)
			err = multierr.Append(err, perr)
		}
	}
	if s.Activate {
		err = multierr.Append(err, sys.activateAll())
	}
	return sys, err
}

func (sys *System) addPCI(e PCIEntry) error {
	bdf, err := pci.ParseBDF(e.BDF)
	if err != nil {
		return err
	}
	caps := e.Caps
	if e.Config != "" {
		if caps, err = capsFromConfig(e.Config, e.Caps.Virtual); err != nil {
			return errors.Wrapf(err, "%s config", bdf)
		}
	}
	d, err := pci.New(bdf, e.Vendor, e.Device, e.Numa, sys.Vector.Domain(), caps)
	if err != nil {
		return err
	}
	sys.PCI = append(sys.PCI, d)

	var n uint32
	if e.Mode == "msi" {
		n, err = d.EnableMSIRange(e.Min, e.Max, nil)
	} else {
		n, err = d.EnableMSIXRange(e.Min, e.Max, nil)
	}
	if err != nil {
		return errors.Wrapf(err, "%s enable %s", bdf, e.Mode)
	}
	klog.V(1).InfoS("msi-util: enabled", "bdf", bdf, "mode", e.Mode, "nvec", n)

	for i := uint32(0); i < e.Dynamic; i++ {
		if _, err := d.MSIXAllocIrqAt(msi.AnyIndex, nil); err != nil {
			return errors.Wrapf(err, "%s dynamic entry %d", bdf, i)
		}
	}
	return nil
}

func (sys *System) addPlatform(e PlatformEntry) error {
	dev := device.New(e.Name, device.BusPlatform, 0)
	dev.SetMSIDomain(sys.Vector.Domain())
	sys.Plat = append(sys.Plat, dev)

	write := func(desc *msi.Desc, msg *irqdomain.MSIMsg) {
		klog.V(3).InfoS("msi-util: write", "dev", e.Name, "index", desc.Index, "msg", msg)
	}
	if e.Vectors != 0 {
		return platform.InitAndAllocIrqs(dev, e.Vectors, write)
	}
	w, err := platform.NewWired(dev, e.WiredPins, write)
	if err != nil {
		return err
	}
	sys.wired = append(sys.wired, w)
	for _, wire := range e.Wires {
		if _, err := w.Map(wire.Pin, wire.Type); err != nil {
			return err
		}
	}
	return nil
}

func (sys *System) devices() []*device.Device {
	return append(lo.Map(sys.PCI, func(d *pci.Dev, _ int) *device.Device { return d.Device() }), sys.Plat...)
}

// activateAll activates every allocated vector that is not live yet, the
// way requesting the interrupt would.
func (sys *System) activateAll() error {
	var err error
	for _, dev := range sys.devices() {
		d := msi.DeviceDomain(dev, msi.DefaultDomain)
		if d == nil {
			continue
		}
		for _, desc := range msi.Descriptors(dev, msi.DefaultDomain, msi.FilterAssociated) {
			for i := uint32(0); i < uint32(desc.NvecUsed); i++ {
				irqd := sys.H.IrqData(d, desc.Irq+i)
				if irqd == nil || irqd.IsActivated() {
					continue
				}
				if aerr := sys.H.ActivateIrq(irqd, false); aerr != nil {
					err = multierr.Append(err, errors.Wrapf(aerr, "%s virq %d", dev.Name(), desc.Irq+i))
				}
			}
		}
	}
	return err
}

// Rows returns the vector table of the system.
func (sys *System) Rows(names *pci.IDResolver) []Row {
	var rows []Row
	for _, d := range sys.PCI {
		name := ""
		if names != nil {
			name = d.Describe(names)
		}
		rows = append(rows, sys.deviceRows(d.Device(), name, d)...)
	}
	for _, dev := range sys.Plat {
		rows = append(rows, sys.deviceRows(dev, "", nil)...)
	}
	return rows
}

func (sys *System) deviceRows(dev *device.Device, name string, pd *pci.Dev) []Row {
	d := msi.DeviceDomain(dev, msi.DefaultDomain)
	if d == nil {
		return nil
	}
	descs := msi.Descriptors(dev, msi.DefaultDomain, msi.FilterAssociated)
	return lo.FlatMap(descs, func(desc msi.Desc, _ int) []Row {
		return lo.Times(int(desc.NvecUsed), func(i int) Row {
			virq := desc.Irq + uint32(i)
			row := Row{
				Device: dev.Name(),
				Name:   name,
				Domain: d.Name,
				Index:  desc.Index,
				Virq:   virq,
				Nvec:   desc.NvecUsed,
				CPU:    -1,
			}
			if irqd := sys.H.IrqData(d, virq); irqd != nil {
				row.Hwirq = hexStr(irqd.Hwirq)
				if pd != nil {
					row.Masked = pd.Masked(irqd)
				}
			}
			if cpu, vec, ok := sys.Vector.Target(virq); ok {
				row.CPU = cpu
				row.Vector = hexStr(vec)
			}
			if msg, ok := msi.GetCachedMSIMsg(sys.H, virq); ok {
				row.Address = hexStr(uint64(msg.AddressHi)<<32 | uint64(msg.AddressLo))
				row.Data = hexStr(msg.Data)
			}
			return row
		})
	})
}

// Teardown frees every interrupt and removes every device domain.
func (sys *System) Teardown() error {
	var err error
	for _, w := range sys.wired {
		w.Close()
	}
	for _, d := range sys.PCI {
		err = multierr.Append(err, d.Destroy())
	}
	for _, dev := range sys.Plat {
		err = multierr.Append(err, dev.Destroy())
	}
	if n := sys.Vector.Used(); n != 0 {
		err = multierr.Append(err, errors.Errorf("%d vectors still in use after teardown", n))
	}
	return err
}

func hexStr(a any) string {
	return fmt.Sprintf("0x%X", a)
}

func capsFromConfig(cfg string, virtual bool) (pci.Options, error) {
	raw, err := hex.DecodeString(cfg)
	if err != nil {
		return pci.Options{}, errors.Wrap(pci.ErrBadConfig, err.Error())
	}
	caps, err := pci.ParseCapabilities(raw)
	caps.Virtual = virtual
	return caps, err
}
