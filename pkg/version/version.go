// Package version exposes the build version stamped at link time.
package version

// Version is set via -ldflags at build time.
var Version = "dev" //nolint:gochecknoglobals // Set by the linker

// GetVersion returns the build version string.
func GetVersion() string {
	return Version
}
