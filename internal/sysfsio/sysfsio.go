// Package sysfsio wraps the handful of raw sysfs/procfs read/write
// operations the executor and hardware probe need, so every other
// package can be tested against a fake instead of the real
// filesystem. Grounded on snapd's osutil file-handling style
// (explicit error wrapping with the path attached) and on
// original_source/src/pci_device.rs's Device::read_file/write_file.
package sysfsio

import (
	"os"
	"strings"
)

// ReadFile reads and trims a sysfs attribute.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteFile writes a sysfs attribute. Sysfs write handlers generally
// require the whole write to land in a single syscall, so this never
// chunks the write the way an atomic-rename write would.
func WriteFile(path string, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(data)
	return err
}

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadCmdline reads /proc/cmdline and splits it into whitespace
// separated tokens, same shape the kernel exposes it in.
func ReadCmdline(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

// CmdlineValue looks up key=value among cmdline tokens and returns
// the value and whether it was present. A bare flag ("quiet") returns
// ("", true).
func CmdlineValue(tokens []string, key string) (string, bool) {
	prefix := key + "="
	for _, tok := range tokens {
		if tok == key {
			return "", true
		}
		if strings.HasPrefix(tok, prefix) {
			return strings.TrimPrefix(tok, prefix), true
		}
	}
	return "", false
}
