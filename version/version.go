package version

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/Masterminds/semver/v3"
)

// You can set the version at build time using something like:
// go build -ldflags "-X github.com/vsariola/polysynth/version.Version=$(git describe --dirty)"

var Version string

var Hash = func() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		modified := false
		for _, setting := range info.Settings {
			if setting.Key == "vcs.modified" && setting.Value == "true" {
				modified = true
				break
			}
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				shortHash := setting.Value[:7]
				if modified {
					return shortHash + "-dirty"
				}
				return shortHash
			}
		}
	}
	return ""
}()

var VersionOrHash = func() string {
	if Version != "" {
		return Version
	}
	return Hash
}()

// FormatVersion is written into every saved session file. Bump the minor
// version for additions older readers can ignore, the major version for
// anything else.
const FormatVersion = "1.1.0"

// FormatConstraint is the range of session file versions this build reads.
const FormatConstraint = ">= 1.0.0, < 2.0.0"

var ErrIncompatible = errors.New("incompatible session format")

var formatConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		panic(err)
	}
	return c
}()

// CheckFormat tells whether a session file of format version v can be read.
// An empty version is from a file written before versions were recorded and
// is accepted.
func CheckFormat(v string) error {
	if v == "" {
		return nil
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatible, v, err)
	}
	if !formatConstraint.Check(sv) {
		return fmt.Errorf("%w: version %s, expected %s", ErrIncompatible, sv, FormatConstraint)
	}
	return nil
}
