package installer

import (
	"fmt"

	"github.com/shogo82148/androidbinary/apk"
)

// PackageInfo is the identity read from an APK manifest.
type PackageInfo struct {
	Name        string
	VersionCode int32
	VersionName string
}

// Inspect parses the manifest of the APK at path.
func Inspect(path string) (*PackageInfo, error) {
	pkg, err := apk.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("apk parse: %w", err)
	}
	defer pkg.Close()

	info := &PackageInfo{Name: pkg.PackageName()}

	manifest := pkg.Manifest()

	if code, err := manifest.VersionCode.Int32(); err == nil {
		info.VersionCode = code
	}

	if name, err := manifest.VersionName.String(); err == nil {
		info.VersionName = name
	}

	return info, nil
}
