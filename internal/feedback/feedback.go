// Package feedback holds the payload sent to the distribution API when a
// user reports a bug or leaves feedback, plus the collection of the
// device and package details attached to it.
package feedback

import (
	"encoding/base64"
	"errors"
	"fmt"
)

type Type string

const (
	TypeBug      Type = "bug"
	TypeFeedback Type = "feedback"
)

var ErrInvalidType = errors.New("feedback type must be \"bug\" or \"feedback\"")

type Feedback struct {
	DeviceInfo  DeviceInfo  `json:"deviceInfo"`
	Message     string      `json:"message,omitempty"`
	PackageInfo PackageInfo `json:"packageInfo"`
	// Screenshot is a base64 encoded PNG.
	Screenshot string `json:"screenshot,omitempty"`
	Type       Type   `json:"type"`
}

type DeviceInfo struct {
	Device Device `json:"device"`
	OS     OS     `json:"os"`
}

type Device struct {
	Battery       int    `json:"battery"`
	BatteryStatus bool   `json:"batteryStatus"`
	DiskFree      string `json:"diskFree"`
	Model         string `json:"model"`
	Network       string `json:"network"`
	Orientation   string `json:"orientation"`
	RAMTotal      string `json:"ramTotal"`
	RAMUsed       string `json:"ramUsed"`
	Resolution    string `json:"resolution"`
	Type          string `json:"type"`
	Vendor        string `json:"vendor"`
}

type OS struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type PackageInfo struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	VersionName string `json:"versionName"`
}

// Validate checks the fields a user can get wrong.
func (f Feedback) Validate() error {
	if f.Type != TypeBug && f.Type != TypeFeedback {
		return fmt.Errorf("%w: got %q", ErrInvalidType, f.Type)
	}

	if f.Screenshot != "" {
		if _, err := base64.StdEncoding.DecodeString(f.Screenshot); err != nil {
			return fmt.Errorf("screenshot is not valid base64: %w", err)
		}
	}

	return nil
}

// Composer fills in the device and package sections of a report.
type Composer struct {
	Details DetailsProvider
	Package PackageInfo
}

// Compose builds a validated feedback payload.
func (c Composer) Compose(t Type, message, screenshot string) (Feedback, error) {
	fb := Feedback{
		DeviceInfo:  Collect(c.Details),
		Message:     message,
		PackageInfo: c.Package,
		Screenshot:  screenshot,
		Type:        t,
	}

	if err := fb.Validate(); err != nil {
		return Feedback{}, err
	}

	return fb, nil
}
