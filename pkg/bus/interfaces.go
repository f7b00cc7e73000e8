package bus

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// InterfaceKind categorizes host-link bridges.
type InterfaceKind string

const (
	InterfaceKindFTDI    InterfaceKind = "ftdi"
	InterfaceKindFX2     InterfaceKind = "cypress-fx2"
	InterfaceKindPico    InterfaceKind = "pico"
	InterfaceKindUnknown InterfaceKind = "unknown"
	InterfaceKindSim     InterfaceKind = "simulator"
)

// InterfaceInfo describes a detected bus controller bridge.
type InterfaceInfo struct {
	Kind        InterfaceKind
	Description string
	VendorID    uint16
	ProductID   uint16
	Bus         int
	Port        int
}

// Label returns a user-friendly description for the interface.
func (i InterfaceInfo) Label() string {
	if i.Description != "" {
		return i.Description
	}
	if i.Kind != "" {
		return fmt.Sprintf("%s (%04X:%04X)", string(i.Kind), i.VendorID, i.ProductID)
	}
	return fmt.Sprintf("Interface %04X:%04X", i.VendorID, i.ProductID)
}

// DiscoverInterfaces enumerates USB bridges that can host a hydra controller
// board. The simulator entry is always appended.
func DiscoverInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	var results []InterfaceInfo
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if info, ok := classifyUSBDevice(desc); ok {
			results = append(results, info)
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}

	results = append(results, InterfaceInfo{
		Kind:        InterfaceKindSim,
		Description: "Simulated hydra board (no hardware)",
	})

	return results, nil
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (InterfaceInfo, bool) {
	for _, known := range knownBridges {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return InterfaceInfo{
				Kind:        known.Kind,
				Description: known.Description,
				VendorID:    known.VendorID,
				ProductID:   known.ProductID,
				Bus:         desc.Bus,
				Port:        desc.Port,
			}, true
		}
	}
	return InterfaceInfo{}, false
}

type knownUSBDevice struct {
	Kind        InterfaceKind
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownBridges = []knownUSBDevice{
	{Kind: InterfaceKindFTDI, VendorID: 0x0403, ProductID: 0x6010, Description: "FTDI FT2232H"},
	{Kind: InterfaceKindFTDI, VendorID: 0x0403, ProductID: 0x6014, Description: "FTDI FT232H"},
	{Kind: InterfaceKindFX2, VendorID: 0x04b4, ProductID: 0x8613, Description: "Cypress FX2"},
	{Kind: InterfaceKindPico, VendorID: 0x2e8a, ProductID: 0x000a, Description: "Raspberry Pi Pico (CDC)"},
}
