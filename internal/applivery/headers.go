package applivery

import (
	"net/http"
	"strconv"

	"github.com/applivery/updater/internal/feedback"
)

// DeviceHeaders identify the SDK, the installed package and the device on
// every API call.
type DeviceHeaders struct {
	Language       string
	SDKVersion     string
	AppVersion     string
	OSVersion      string
	OSName         string
	Vendor         string
	Model          string
	PackageName    string
	PackageVersion int
}

// NewDeviceHeaders derives the headers from the same device and package
// details used for feedback reports.
func NewDeviceHeaders(sdkVersion, language string, device feedback.DeviceInfo, pkg feedback.PackageInfo) DeviceHeaders {
	return DeviceHeaders{
		Language:       language,
		SDKVersion:     sdkVersion,
		AppVersion:     pkg.VersionName,
		OSVersion:      device.OS.Version,
		OSName:         device.OS.Name,
		Vendor:         device.Device.Vendor,
		Model:          device.Device.Model,
		PackageName:    pkg.Name,
		PackageVersion: pkg.Version,
	}
}

func (h DeviceHeaders) apply(header http.Header) {
	set := func(key, value string) {
		if value != "" {
			header.Set(key, value)
		}
	}

	set("Accept-Language", h.Language)
	set("x-sdk-version", h.SDKVersion)
	set("x-app-version", h.AppVersion)
	set("x-os-version", h.OSVersion)
	set("x-os-name", h.OSName)
	set("x-device-vendor", h.Vendor)
	set("x-device-model", h.Model)
	set("x-package-name", h.PackageName)

	if h.PackageVersion > 0 {
		header.Set("x-package-version", strconv.Itoa(h.PackageVersion))
	}
}

// headersTransport stamps DeviceHeaders on outgoing requests.
type headersTransport struct {
	headers DeviceHeaders
	base    http.RoundTripper
}

func (t *headersTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	t.headers.apply(r.Header)

	return t.base.RoundTrip(r)
}
