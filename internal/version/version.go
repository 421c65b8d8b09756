// Package version exposes build-time identity, set via -ldflags.
package version

// Populated at build time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.2.3 -X .../internal/version.Commit=abc123"
var (
	Version = "dev"
	Commit  = "unknown"
)

// Info is the JSON shape served by the version endpoint.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Get returns the current build info.
func Get() Info {
	return Info{Version: Version, Commit: Commit}
}
