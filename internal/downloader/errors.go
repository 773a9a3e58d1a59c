package downloader

import "fmt"

// StorageError represents a failure writing the package to local storage.
type StorageError struct {
	Op   string // create, write, close, rename
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
