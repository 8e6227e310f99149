package envelope

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/capmesh/errors"
)

// ProtocolVersion is the semver advertised in every outbound envelope.
const ProtocolVersion = "1.0.0"

// parseSemver splits "major.minor.patch" into its numeric parts.
func parseSemver(v string) ([3]int, error) {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return out, fmt.Errorf("%q is not a MAJOR.MINOR.PATCH version", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("%q is not a MAJOR.MINOR.PATCH version", v)
		}
		out[i] = n
	}
	return out, nil
}

// CompatibleVersion checks an inbound envelope's protocol version against
// ours. Runtimes are compatible when major versions match; while the major
// version is 0 the minor version must match as well, since pre-release
// minors may break compatibility.
func CompatibleVersion(theirs string) error {
	theirInfo, err := parseSemver(theirs)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrVersionIncompatible, err),
			"Envelope", "CompatibleVersion", "version parsing")
	}
	ourInfo, _ := parseSemver(ProtocolVersion)

	if theirInfo[0] != ourInfo[0] {
		return errors.WrapInvalid(
			fmt.Errorf("%w: major version mismatch between local %s and remote %s",
				errors.ErrVersionIncompatible, ProtocolVersion, theirs),
			"Envelope", "CompatibleVersion", "major version check")
	}
	if ourInfo[0] == 0 && theirInfo[1] != ourInfo[1] {
		return errors.WrapInvalid(
			fmt.Errorf("%w: pre-release minor version mismatch between local %s and remote %s",
				errors.ErrVersionIncompatible, ProtocolVersion, theirs),
			"Envelope", "CompatibleVersion", "minor version check")
	}
	return nil
}
