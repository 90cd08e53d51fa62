//go:build !windows

package persistence

import (
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile replaces path with data in one rename.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
