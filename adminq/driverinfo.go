package adminq

import (
	"bytes"
	"encoding/binary"
	"io"
)

// DriverInfo describes the driver to the device in VerifyDriverCompatibility.
type DriverInfo struct {
	OSType                uint8
	DriverMajor           uint8
	DriverMinor           uint8
	DriverSub             uint8
	OSVersionMajor        uint32
	OSVersionMinor        uint32
	OSVersionSub          uint32
	DriverCapabilityFlags [4]uint64
	OSVersionStr1         [VersionStrLen]byte
	OSVersionStr2         [VersionStrLen]byte
}

const (
	VersionStrLen  = 128
	DriverInfoSize = 304
)

// Driver capability bit numbers. Bit n lives in DriverCapabilityFlags[n/64].
const (
	CapGQIQPL       = 0
	CapGQIRDA       = 1
	CapDQOQPL       = 2 // reserved
	CapDQORDA       = 3
	CapAltMissCompl = 4
)

// OS types reported in DriverInfo.OSType.
const (
	OSTypeLinux   = 0x1
	OSTypeFreeBSD = 0x2
	OSTypeOther   = 0xff
)

// SetCapability sets capability bit n.
func (di *DriverInfo) SetCapability(n int) {
	di.DriverCapabilityFlags[n/64] |= 1 << (n % 64)
}

// HasCapability reports whether capability bit n is set.
func (di *DriverInfo) HasCapability(n int) bool {
	return di.DriverCapabilityFlags[n/64]&(1<<(n%64)) != 0
}

// MarshalBinary returns the big-endian wire form of the driver info.
func (di *DriverInfo) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, be, di); err != nil {
		panic(err)
	}

	return b.Bytes(), nil
}

// UnmarshalBinary decodes driver info. It returns io.ErrUnexpectedEOF if the
// given data is too short.
func (di *DriverInfo) UnmarshalBinary(data []byte) error {
	if len(data) < DriverInfoSize {
		return io.ErrUnexpectedEOF
	}

	return binary.Read(bytes.NewReader(data[:DriverInfoSize]), be, di)
}

// L3 and L4 packet types in a ptype map entry. Zero means unknown, so a
// zeroed map is all unknown.
const (
	L3Unknown = 0
	L3Other   = 1
	L3IPv4    = 2
	L3IPv6    = 3

	L4Unknown = 0
	L4Other   = 1
	L4TCP     = 2
	L4UDP     = 3
	L4ICMP    = 4
	L4SCTP    = 5
)

// PtypeEntry maps a device packet type to its L3 and L4 types.
type PtypeEntry struct {
	L3 uint8
	L4 uint8
}

// PtypeMap is indexed by the 10-bit packet type the device reports on receive.
type PtypeMap struct {
	Ptypes [1 << 10]PtypeEntry
}

const PtypeMapSize = 2 << 10

// StatsReportEntry is one statistic in a stats report written by the device.
type StatsReportEntry struct {
	StatName uint32
	QueueID  uint32
	Value    uint64
}

// Stat names in a stats report. Names below 65 are written by the driver,
// the rest by the device.
const (
	StatTxWakeCnt                 = 1
	StatTxStopCnt                 = 2
	StatTxFramesSent              = 3
	StatTxBytesSent               = 4
	StatTxLastCompletionProcessed = 5
	StatRxNextExpectedSequence    = 6
	StatRxBuffersPosted           = 7
	StatTxTimeoutCnt              = 8
	StatRxQueueDropCnt            = 65
	StatRxNoBuffersPosted         = 66
	StatRxDropsPacketOverMRU      = 67
	StatRxDropsInvalidChecksum    = 68
)

// StatsReportHeaderSize is the size of the written_count word that precedes
// the entries of a stats report.
const StatsReportHeaderSize = 8

// ParseStatsReport decodes the entries the device has written to a stats report.
func ParseStatsReport(data []byte) ([]StatsReportEntry, error) {
	if len(data) < StatsReportHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	n := be.Uint64(data)
	if max := uint64(len(data)-StatsReportHeaderSize) / 16; n > max {
		return nil, io.ErrUnexpectedEOF
	}

	ss := make([]StatsReportEntry, n)
	if err := binary.Read(bytes.NewReader(data[StatsReportHeaderSize:]), be, ss); err != nil {
		return nil, err
	}

	return ss, nil
}
