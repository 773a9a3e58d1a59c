package update

import "errors"

var (
	// ErrAlreadyRunning is returned by Run when another download is in progress.
	ErrAlreadyRunning = errors.New("a download is already in progress")
	// ErrEmptyToken is reported when the token endpoint succeeds without a token.
	ErrEmptyToken = errors.New("download token is empty")
	// ErrInvalidBuildID is returned for build ids that cannot name a file.
	ErrInvalidBuildID = errors.New("invalid build id")
	// ErrUnsafeFileName is reported when a request's file would land outside
	// the download directory.
	ErrUnsafeFileName = errors.New("file name escapes the download directory")
	// ErrNoBuild is returned when no build id was given and the app has none published.
	ErrNoBuild = errors.New("no build available")
)
