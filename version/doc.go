// Package version reports the build of the modelrun binary.
//
// Version, commit and build time are set at link time:
//
//	go build -ldflags "-X github.com/kbukum/modelrun/version.Version=1.4.0 \
//	  -X github.com/kbukum/modelrun/version.BuildTime=2024-05-01T12:00:00Z" ./cmd/modelrun
//
// Values left empty are filled from the module's embedded VCS settings.
package version
