// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/Seagate/msi-lib/pkg/pci"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
msi-util is a command line tool to build an MSI interrupt topology from a scenario file and display the resulting vectors.

Usage:
./msi-util [--version] [--help] [--config=FILE] [--list] [--pci-ids-root=DIR] [--verbosity=0]

Which:
	version            : Print the version of this application and exit
	help               : Print the help text and exit
	config=FILE        : Scenario file (YAML) describing the vector domain and the devices
	list               : List the PCI devices of the scenario with their vendor and device names
	pci-ids-root=DIR   : Root directory to look up the pci.ids database below
	verbosity          : Set the log level verbosity, where 0 is no longing and 4 is very verbose
`

const (
	DefaultVerbosity = "0" // Default log level
)

type Settings struct {
	Version    bool   // Print the version of this application and exit if true
	Verbosity  string // The log level verbosity, where 0 is no longing and 4 is very verbose
	Help       bool   // Print the help text and exit
	Config     string // Scenario file
	List       bool   // List the PCI devices of the scenario
	PciIdsRoot string // Root directory of the pci.ids database
}

// InitContext initializes the settings from the command line args.
func (s *Settings) InitContext(args []string, ctx context.Context) (context.Context, error) {
	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		version    = flags.Bool("version", false, "Display version and exit")
		verbosity  = flags.String("verbosity", DefaultVerbosity, "Log level verbosity")
		help       = flags.Bool("help", false, "Print the help text")
		config     = flags.StringP("config", "c", "", "Scenario file")
		list       = flags.Bool("list", false, "List the PCI devices of the scenario")
		pciIdsRoot = flags.String("pci-ids-root", "", "Root directory of the pci.ids database")
	)

	if err := flags.Parse(args[1:]); err != nil {
		return ctx, err
	}

	s.Version = *version
	s.Verbosity = *verbosity
	s.Help = *help
	s.Config = *config
	s.List = *list
	s.PciIdsRoot = *pciIdsRoot

	if len(args) == 1 {
		s.Help = true
	}
	return ctx, nil
}

// PrintTable writes table as indented JSON to w.
func PrintTable(w io.Writer, table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Fprint(w, string(s), "\n")
}

// run builds the scenario of s, prints its vectors to w and tears it down.
func run(ctx context.Context, s *Settings, w io.Writer) error {
	if s.Config == "" {
		return errors.New("no scenario, use --config")
	}
	sc, err := LoadScenarioFile(s.Config)
	if err != nil {
		return err
	}

	var names *pci.IDResolver
	if s.List || s.PciIdsRoot != "" {
		names, err = pci.NewIDResolver(s.PciIdsRoot)
		if err != nil {
			klog.Warningf("msi-util: no pci.ids, devices stay unnamed: %v", err)
		}
	}

	sys, buildErr := Build(sc)
	if sys == nil {
		return buildErr
	}

	if s.List {
		prFmt := "%12s | %30s | %30s | %6s | %6s\n"
		fmt.Fprintf(w, "Print the list of PCI devs. Total devices found: %d\n", len(sys.PCI))
		fmt.Fprintf(w, prFmt, "BUS:DEV.FUN", "Vendor", "Device", "MSI", "MSI-X")
		for _, d := range sys.PCI {
			vendorName := names.VendorName(d.VendorID)
			if len(vendorName) > 27 {
				vendorName = vendorName[:27] + "..."
			}
			productName := names.ProductName(d.VendorID, d.DeviceID)
			if len(productName) > 27 {
				productName = productName[:27] + "..."
			}
			fmt.Fprintf(w, prFmt, d.BDF.Short(), vendorName, productName,
				fmt.Sprint(d.Device().MSIEnabled()), fmt.Sprint(d.Device().MSIXEnabled()))
		}
	}

	PrintTable(w, sys.Rows(names), "", "   ")

	select {
	case <-ctx.Done():
		buildErr = multierr.Append(buildErr, ctx.Err())
	default:
	}
	return multierr.Append(buildErr, sys.Teardown())
}

func main() {

	// Extract settings and initialize context using command line args or defaults
	settings := Settings{}
	ctx, err := settings.InitContext(os.Args, context.Background())
	if err != nil {
		fmt.Printf("ERROR: parsing parameters, err=%v\n", err)
		os.Exit(1)
	}

	// Set verbosity level according to the 'verbosity' flag
	var l klog.Level
	l.Set(settings.Verbosity)

	// msi-util banner
	args := strings.Join(os.Args[1:], " ")
	klog.V(1).InfoS("msi-util", "args", args)
	klog.V(2).InfoS("msi-util", "settings", settings)

	if settings.Version {
		fmt.Println("[] msi-util", "version", Version, "build", buildTime)
		os.Exit(0)
	}

	if settings.Help {
		fmt.Print(helptxt)
		os.Exit(0)
	}

	if err := run(ctx, &settings, os.Stdout); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Printf("ERROR: %v\n", e)
		}
		os.Exit(1)
	}
}
