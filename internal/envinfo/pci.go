package envinfo

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"

	"github.com/daryltucker/forest-bench/internal/output"
)

const pciDevicesPath = "bus/pci/devices"

// PCIDevice is a display or 3D controller found in sysfs.
type PCIDevice struct {
	Slot     string `json:"slot"`
	VendorID string `json:"vendor_id"`
	DeviceID string `json:"device_id"`
	Class    string `json:"class"`
	Name     string `json:"name,omitempty"`
}

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// pciDisplayDevices lists PCI class 0x03 (display) devices under SysRoot.
func pciDisplayDevices(opts Options) []PCIDevice {
	root := filepath.Join(opts.SysRoot, pciDevicesPath)
	entries, err := os.ReadDir(root)
	if err != nil {
		output.Logger.Debug("PCI device listing unavailable", "path", root, "error", err)
		return nil
	}

	var devices []PCIDevice
	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		class := normalizePCIID(readTrimmed(filepath.Join(dir, "class")))
		if !strings.HasPrefix(class, "03") {
			continue
		}
		dev := PCIDevice{
			Slot:     entry.Name(),
			VendorID: normalizePCIID(readTrimmed(filepath.Join(dir, "vendor"))),
			DeviceID: normalizePCIID(readTrimmed(filepath.Join(dir, "device"))),
			Class:    class,
		}
		dev.Name = opts.PCIName(dev.VendorID, dev.DeviceID)
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Slot < devices[j].Slot })
	return devices
}

// lookupPCIName resolves a product name from the system PCI ID database.
func lookupPCIName(vendorID, deviceID string) string {
	if vendorID == "" || deviceID == "" {
		return ""
	}
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return ""
	}

	product, ok := pciDB.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}
	if vendor, ok := pciDB.Vendors[vendorID]; ok && vendor != nil {
		return vendor.Name + " " + product.Name
	}
	return product.Name
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == notAvailable {
		return ""
	}
	return strings.ToLower(value)
}
