package dump_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net"
	"testing"

	"github.com/c35s/gvnic/adminq"
	"github.com/c35s/gvnic/dump"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
)

func testBundle(t *testing.T) *dump.Bundle {
	t.Helper()

	ring := make([]byte, 4*adminq.CommandSize)
	cmds := []adminq.Command{
		{Status: adminq.StatusPassed, Payload: adminq.DescribeDevice{DescriptorAddr: 0x100000, DescriptorVersion: 1, AvailableLength: 4096}},
		{Status: adminq.StatusNotFound, Payload: adminq.DestroyTxQueue{QueueID: 3}},
	}

	for i, cmd := range cmds {
		if err := cmd.MarshalTo(ring[i*adminq.CommandSize:]); err != nil {
			t.Fatal(err)
		}
	}

	stats := adminq.Stats{
		ProducerCount: 2,
		Failures:      1,
		Commands:      make(map[adminq.Opcode]uint32),
	}

	for _, op := range adminq.Opcodes {
		stats.Commands[op] = 0
	}

	stats.Commands[adminq.OpDescribeDevice] = 1
	stats.Commands[adminq.OpDestroyTxQueue] = 1

	return &dump.Bundle{
		Ring:  ring,
		Stats: stats,
		Config: &adminq.DeviceConfig{
			QueueFormat:        adminq.QueueFormatGQIQPL,
			OfferedFormats:     []adminq.QueueFormat{adminq.QueueFormatGQIRDA, adminq.QueueFormatGQIQPL},
			SupportedFeatures:  adminq.SupJumboFrames,
			MinMTU:             adminq.MinMTU,
			MaxMTU:             9000,
			TxDescCount:        512,
			RxDescCount:        1024,
			MaxTxDescCount:     adminq.MaxRingSize,
			MaxRxDescCount:     adminq.MaxRingSize,
			DefaultNumQueues:   2,
			RxPagesPerQPL:      16,
			MaxRegisteredPages: 1024,
			NumEventCounters:   16,
			MAC:                net.HardwareAddr{0x42, 0x01, 0x0a, 0x80, 0x00, 0x02},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	want := testBundle(t)

	buf := new(bytes.Buffer)
	if err := dump.Write(buf, want); err != nil {
		t.Fatal(err)
	}

	got, err := dump.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}

	t.Run("without config", func(t *testing.T) {
		want := testBundle(t)
		want.Config = nil

		buf := new(bytes.Buffer)
		if err := dump.Write(buf, want); err != nil {
			t.Fatal(err)
		}

		got, err := dump.Read(buf)
		if err != nil {
			t.Fatal(err)
		}

		if got.Config != nil {
			t.Errorf("config %+v", got.Config)
		}
	})
}

func TestSlots(t *testing.T) {
	b := testBundle(t)

	cmds, err := dump.Slots(b.Ring)
	if err != nil {
		t.Fatal(err)
	}

	if len(cmds) != 4 {
		t.Fatalf("%d slots != 4", len(cmds))
	}

	if p, ok := cmds[1].Payload.(adminq.DestroyTxQueue); !ok || p.QueueID != 3 || cmds[1].Status != adminq.StatusNotFound {
		t.Errorf("slot 1 %+v", cmds[1])
	}

	if dump.IsEmpty(b.Ring[:adminq.CommandSize]) || !dump.IsEmpty(b.Ring[2*adminq.CommandSize:3*adminq.CommandSize]) {
		t.Error("IsEmpty is wrong")
	}
}

// archive builds a bundle from raw files.
func archive(t *testing.T, files map[string][]byte) *bytes.Buffer {
	t.Helper()

	buf := new(bytes.Buffer)
	zw := gzip.NewWriter(buf)
	cw := cpio.NewWriter(zw)

	for name, data := range files {
		if err := cw.WriteHeader(&cpio.Header{Name: name, Mode: 0644, Size: int64(len(data))}); err != nil {
			t.Fatal(err)
		}

		if _, err := cw.Write(data); err != nil {
			t.Fatal(err)
		}
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	return buf
}

func gzipped(t *testing.T, data []byte) *bytes.Buffer {
	t.Helper()

	buf := new(bytes.Buffer)
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	return buf
}

func TestReadMalformed(t *testing.T) {
	stats := []byte("producer_count: 1\n")

	tests := map[string]*bytes.Buffer{
		"not gzip":       bytes.NewBufferString("ring.bin"),
		"not an archive": gzipped(t, []byte("hello")),
		"no stats":       archive(t, map[string][]byte{dump.RingFile: make([]byte, 64)}),
		"partial slot":   archive(t, map[string][]byte{dump.RingFile: make([]byte, 65), dump.StatsFile: stats}),
		"bad stats":      archive(t, map[string][]byte{dump.StatsFile: []byte("failures: [")}),
		"bad format":     archive(t, map[string][]byte{dump.StatsFile: stats, dump.ConfigFile: []byte("queue_format: foo\n")}),
		"bad MAC":        archive(t, map[string][]byte{dump.StatsFile: stats, dump.ConfigFile: []byte("queue_format: GQI QPL\nmac: nope\n")}),
	}

	for name, buf := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := dump.Read(buf); !errors.Is(err, dump.ErrFormat) {
				t.Errorf("error isn't ErrFormat: %v", err)
			}
		})
	}

	t.Run("unknown files", func(t *testing.T) {
		buf := archive(t, map[string][]byte{dump.StatsFile: stats, "notes.txt": []byte("hi")})

		b, err := dump.Read(buf)
		if err != nil {
			t.Fatal(err)
		}

		if b.Stats.ProducerCount != 1 {
			t.Errorf("producer count %d != 1", b.Stats.ProducerCount)
		}
	})
}
