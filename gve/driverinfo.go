package gve

import (
	"strconv"
	"strings"

	"github.com/c35s/gvnic/adminq"
	"golang.org/x/sys/unix"
)

// Driver version reported to the device.
const (
	VersionMajor = 1
	VersionMinor = 3
	VersionSub   = 0
)

// DefaultDriverInfo describes this driver and the host kernel. It advertises
// the GQI QPL queue format.
func DefaultDriverInfo() *adminq.DriverInfo {
	di := &adminq.DriverInfo{
		OSType:      adminq.OSTypeLinux,
		DriverMajor: VersionMajor,
		DriverMinor: VersionMinor,
		DriverSub:   VersionSub,
	}

	di.SetCapability(adminq.CapGQIQPL)

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return di
	}

	release := unix.ByteSliceToString(uts.Release[:])
	copy(di.OSVersionStr1[:], release)
	copy(di.OSVersionStr2[:], unix.ByteSliceToString(uts.Version[:]))

	di.OSVersionMajor, di.OSVersionMinor, di.OSVersionSub = parseRelease(release)
	return di
}

// parseRelease splits a kernel release like "6.8.0-45-generic" into its
// numeric parts. Missing or malformed parts are 0.
func parseRelease(s string) (major, minor, sub uint32) {
	s, _, _ = strings.Cut(s, "-")

	var v [3]uint32
	for i, f := range strings.SplitN(s, ".", 3) {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			break
		}

		v[i] = uint32(n)
	}

	return v[0], v[1], v[2]
}
