// Package conda holds constants and helpers shared by everything that deals
// with conda package filenames and platform subdirs.
package conda

import (
	"strings"
)

const (
	// ExtensionV1 is the legacy bzip2-compressed tarball format.
	ExtensionV1 = ".tar.bz2"
	// ExtensionV2 is the newer zip-of-zstd-tarballs format.
	ExtensionV2 = ".conda"
)

// PackageExtensions lists the recognized archive extensions.
var PackageExtensions = []string{ExtensionV1, ExtensionV2}

// DefaultSubdirs are the platform directories detected under a channel root.
var DefaultSubdirs = map[string]bool{
	"noarch":        true,
	"linux-32":      true,
	"linux-64":      true,
	"linux-aarch64": true,
	"linux-armv6l":  true,
	"linux-armv7l":  true,
	"linux-ppc64":   true,
	"linux-ppc64le": true,
	"linux-riscv64": true,
	"linux-s390x":   true,
	"osx-64":        true,
	"osx-arm64":     true,
	"win-32":        true,
	"win-64":        true,
	"win-arm64":     true,
	"zos-z":         true,
	"freebsd-64":    true,
	"emscripten-wasm32": true,
	"wasi-wasm32":   true,
}

// IsPackageFile reports whether fn has one of the recognized extensions.
func IsPackageFile(fn string) bool {
	return strings.HasSuffix(fn, ExtensionV1) || strings.HasSuffix(fn, ExtensionV2)
}

// StripExtension removes the package extension from fn, or returns fn
// unchanged if it has none.
func StripExtension(fn string) string {
	for _, ext := range PackageExtensions {
		if strings.HasSuffix(fn, ext) {
			return strings.TrimSuffix(fn, ext)
		}
	}
	return fn
}

// CondaCounterpart returns the .conda filename matching a .tar.bz2 filename.
// Patch instructions written against the legacy extension also apply to the
// identically named .conda entry.
func CondaCounterpart(fn string) string {
	if strings.HasSuffix(fn, ExtensionV1) {
		return strings.TrimSuffix(fn, ExtensionV1) + ExtensionV2
	}
	return fn
}

// Bz2Counterpart returns the .tar.bz2 filename matching a .conda filename.
func Bz2Counterpart(fn string) string {
	if strings.HasSuffix(fn, ExtensionV2) {
		return strings.TrimSuffix(fn, ExtensionV2) + ExtensionV1
	}
	return fn
}

// MakeSeconds normalizes a timestamp that may be expressed in milliseconds.
func MakeSeconds(timestamp int64) int64 {
	if timestamp > 253402300799 { // 9999-12-31
		return timestamp / 1000
	}
	return timestamp
}
