package gve

import (
	"testing"

	"github.com/c35s/gvnic/adminq"
)

func TestParseRelease(t *testing.T) {
	tests := []struct {
		release string
		want    [3]uint32
	}{
		{"6.8.0-45-generic", [3]uint32{6, 8, 0}},
		{"5.15.153", [3]uint32{5, 15, 153}},
		{"6.1", [3]uint32{6, 1, 0}},
		{"4.19.0+", [3]uint32{4, 19, 0}},
		{"abc", [3]uint32{}},
		{"", [3]uint32{}},
	}

	for _, tt := range tests {
		var got [3]uint32
		got[0], got[1], got[2] = parseRelease(tt.release)
		if got != tt.want {
			t.Errorf("%q: %v != %v", tt.release, got, tt.want)
		}
	}
}

func TestDefaultDriverInfo(t *testing.T) {
	di := DefaultDriverInfo()

	if !di.HasCapability(adminq.CapGQIQPL) {
		t.Error("driver info doesn't advertise GQI QPL")
	}

	if di.OSType != adminq.OSTypeLinux || di.DriverMajor != VersionMajor || di.DriverMinor != VersionMinor {
		t.Errorf("driver info %+v", di)
	}

	b, err := di.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != adminq.DriverInfoSize {
		t.Errorf("%d bytes != %d", len(b), adminq.DriverInfoSize)
	}
}
