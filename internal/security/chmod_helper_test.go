package security

import "os"

func chmodLoose(path string) error {
	return os.Chmod(path, 0o644)
}
