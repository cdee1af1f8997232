// Package filex holds filesystem bootstrap helpers shared by the server and
// the key provisioning primitives.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureParentDir creates the parent directory of path (with the given
// permissions) if it does not exist yet, and returns the parent path.
func EnsureParentDir(path string, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return dir, nil
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}
