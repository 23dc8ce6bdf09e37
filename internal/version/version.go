// Package version holds the build version string.
package version

// Version is the current taovault release. Overridden at build time via
// -ldflags "-X github.com/taovault/taovault/internal/version.Version=...".
var Version = "0.4.0"
