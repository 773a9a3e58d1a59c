package update

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/applivery/updater/internal/applivery"
)

// Request identifies the build a run downloads. It does not change during a run.
type Request struct {
	BuildID     string `json:"build_id"`
	DisplayName string `json:"display_name"`
	FileName    string `json:"file_name"`
}

// NewRequest builds a request whose file is named
// "<display name with dashes for spaces>-<build id>.apk". Path separators and
// control characters in the display name become underscores, so the file
// always lands in the download directory.
func NewRequest(displayName, buildID string) (Request, error) {
	if buildID == "" || strings.ContainsAny(buildID, `/\`) || buildID == "." || buildID == ".." {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidBuildID, buildID)
	}

	return Request{
		BuildID:     buildID,
		DisplayName: displayName,
		FileName:    fileStem(displayName) + "-" + buildID + ".apk",
	}, nil
}

func fileStem(displayName string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '-'
		case r == '/', r == '\\', r == ':', unicode.IsControl(r):
			return '_'
		default:
			return r
		}
	}, displayName)
}

// AppConfigSource returns the published configuration of the application.
type AppConfigSource interface {
	AppConfig(ctx context.Context) (*applivery.AppConfig, error)
}

// ResolveRequest fills the display name and build id that were not given
// from the application configuration. The configuration is only fetched when
// something is missing.
func ResolveRequest(ctx context.Context, src AppConfigSource, displayName, buildID string) (Request, error) {
	if displayName == "" || buildID == "" {
		cfg, err := src.AppConfig(ctx)
		if err != nil {
			return Request{}, fmt.Errorf("failed to fetch app config: %w", err)
		}

		if displayName == "" {
			displayName = cfg.Name
		}

		if buildID == "" {
			if cfg.LastBuildID == "" {
				return Request{}, ErrNoBuild
			}

			buildID = cfg.LastBuildID
		}
	}

	return NewRequest(displayName, buildID)
}
