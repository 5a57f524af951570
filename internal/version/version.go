// Package version carries build metadata set with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/you/chatlens/internal/version.Version=v0.3.0"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
