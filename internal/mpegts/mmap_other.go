//go:build !unix

package mpegts

import "os"

// mapFile reads path into memory on platforms without mmap.
func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, ErrEmptyFile
	}
	return data, func() error { return nil }, nil
}
