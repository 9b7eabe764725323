package version

import "fmt"

var (
	// Overridden at release time with
	// -ldflags "-X github.com/AvaProtocol/ap-userops/version.semver=... -X ...revision=..."
	semver   = "0.1.0"
	revision = "unknown"
)

// Get return the version. Note that we're injecting this at build time when we tag release
func Get() string {
	return semver
}

func GetRevision() string {
	return revision
}

// String is the line printed by the version command.
func String() string {
	return fmt.Sprintf("ap-userops %s (%s)", semver, revision)
}
