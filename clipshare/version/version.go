// Package version holds build-time literals and the supported wire
// protocol version range.
package version

import "strconv"

const (
	Major = 1
	Minor = 3
	Patch = 0
)

// ProtocolMin and ProtocolMax bound the wire protocol versions this build
// will negotiate. A peer proposing anything outside this range gets
// VersionObsolete or VersionUnknown on the wire.
const (
	ProtocolMin = 1
	ProtocolMax = 3
)

// InfoName is the compile-time name returned by the info method and by
// UDP discovery responses; no configuration key overrides it.
const InfoName = "clipshare"

func String() string {
	return "clipshared " + strconv.Itoa(Major) + "." + strconv.Itoa(Minor) + "." + strconv.Itoa(Patch)
}
