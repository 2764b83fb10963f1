// Package version carries the build version of the AECU runner.
package version

// Version is overwritten at build time:
//
//	go build -ldflags "-X easy-content-upgrade/internal/version.Version=1.4.0" ./cmd/aecu
var Version = "dev"
