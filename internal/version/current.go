// Package version provides the release version of the module.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Build is the version stamp, in the {major}.{minor}.{patch}[-{commit}]
// form. It is overridden at build time:
//
//	-ldflags "-X github.com/effective-security/pkcs11sign/internal/version.Build=0.1.42-g1a2b3c4"
var Build = "0.1.0"

// Version describes a parsed release version.
type Version struct {
	Major  int
	Minor  int
	Patch  int
	Commit string
}

// Current returns the version parsed from the Build stamp.
func Current() Version {
	return parse(Build)
}

func parse(stamp string) Version {
	var v Version

	stamp = strings.TrimPrefix(stamp, "v")
	if idx := strings.IndexByte(stamp, '-'); idx >= 0 {
		v.Commit = stamp[idx+1:]
		stamp = stamp[:idx]
	}

	parts := strings.SplitN(stamp, ".", 3)
	if len(parts) > 0 {
		v.Major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		v.Minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		v.Patch, _ = strconv.Atoi(parts[2])
	}

	return v
}

// String returns the canonical version string.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Commit != "" {
		s += "-" + v.Commit
	}
	return s
}
