package feedback

import (
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	connectivityUnknown = "unknown"
	deviceTypeMobile    = "mobile"
)

// DetailsProvider reports the characteristics of the device the agent runs on.
type DetailsProvider interface {
	OSName() string
	OSVersion() string
	Vendor() string
	Model() string
	DeviceType() string
	BatteryPercentage() int
	BatteryCharging() bool
	NetworkConnectivity() string
	ScreenResolution() string
	ScreenOrientation() string
	UsedRAM() string
	TotalRAM() string
	FreeDisk() string
}

// Collect snapshots a provider into the wire representation.
func Collect(p DetailsProvider) DeviceInfo {
	if p == nil {
		p = HostDetails{}
	}

	return DeviceInfo{
		Device: Device{
			Battery:       p.BatteryPercentage(),
			BatteryStatus: p.BatteryCharging(),
			DiskFree:      p.FreeDisk(),
			Model:         p.Model(),
			Network:       p.NetworkConnectivity(),
			Orientation:   p.ScreenOrientation(),
			RAMTotal:      p.TotalRAM(),
			RAMUsed:       p.UsedRAM(),
			Resolution:    p.ScreenResolution(),
			Type:          p.DeviceType(),
			Vendor:        p.Vendor(),
		},
		OS: OS{
			Name:    p.OSName(),
			Version: p.OSVersion(),
		},
	}
}

// HostDetails describes the host from static configuration, falling back to
// what the Go runtime knows. Fields left empty report "unknown".
type HostDetails struct {
	Name         string
	Version      string
	Manufacturer string
	ModelName    string
	Resolution   string
	Orientation  string
	Battery      int
	Charging     bool
	Network      string
	Disk         string
}

func (h HostDetails) OSName() string {
	if h.Name != "" {
		return h.Name
	}

	return runtime.GOOS
}

func (h HostDetails) OSVersion() string { return orUnknown(h.Version) }

func (h HostDetails) Vendor() string { return orUnknown(h.Manufacturer) }

// Model strips a leading vendor name, so "Google Pixel 8" from vendor
// "Google" reports "Pixel 8".
func (h HostDetails) Model() string {
	model := h.ModelName
	if model == "" {
		return runtime.GOARCH
	}

	if h.Manufacturer != "" {
		model = strings.TrimPrefix(model, h.Manufacturer+" ")
	}

	return model
}

func (h HostDetails) DeviceType() string { return deviceTypeMobile }

func (h HostDetails) BatteryPercentage() int { return h.Battery }

func (h HostDetails) BatteryCharging() bool { return h.Charging }

func (h HostDetails) NetworkConnectivity() string {
	if h.Network == "" {
		return connectivityUnknown
	}

	return h.Network
}

func (h HostDetails) ScreenResolution() string { return orUnknown(h.Resolution) }

func (h HostDetails) ScreenOrientation() string { return orUnknown(h.Orientation) }

func (h HostDetails) UsedRAM() string {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	return humanize.Bytes(m.Alloc)
}

func (h HostDetails) TotalRAM() string {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	return humanize.Bytes(m.Sys)
}

func (h HostDetails) FreeDisk() string { return orUnknown(h.Disk) }

func orUnknown(s string) string {
	if s == "" {
		return connectivityUnknown
	}

	return s
}
