// Package build provides build information that is linked into the application. Other
// packages within this project can use this information in logs etc.
package build

var (
	// ProjectName is the name of this project. It is used as the metrics namespace.
	ProjectName = "authzconn"

	// Version is the build version of the binary (e.g. v0.1.0 or v0.1.0-rc1).
	Version = "dev"

	// Commit is the git commit hash that the binary was built from.
	Commit = "none"

	// Date is the date the binary was built, in RFC3339 format.
	Date = "unknown"
)
