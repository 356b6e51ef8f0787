package adminq_test

import (
	"errors"
	"net"
	"testing"

	"github.com/c35s/gvnic/adminq"
	"github.com/c35s/gvnic/dma"
	"github.com/c35s/gvnic/sim"
)

func allocPages(t *testing.T, space *dma.Space, n int) []uint64 {
	t.Helper()

	pages := make([]uint64, n)
	for i := range pages {
		b, err := space.AllocCoherent(adminq.PageSize, adminq.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		t.Cleanup(func() { space.FreeCoherent(b) })
		pages[i] = b.Addr()
	}

	return pages
}

func TestDescribeDevice(t *testing.T) {
	q := newTestQueue(t, sim.Config{
		JumboMTU:      9000,
		MaxTxRingSize: 256,
		MaxRxRingSize: 2048,
		MAC:           net.HardwareAddr{2, 0, 0, 0, 0, 1},
	}, adminq.Config{})

	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	cfg, err := q.DescribeDevice()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.MaxMTU != 9000 || cfg.QueueFormat != adminq.QueueFormatGQIQPL {
		t.Errorf("max MTU %d, format %v", cfg.MaxMTU, cfg.QueueFormat)
	}

	if cfg.TxDescCount != 256 || cfg.RxDescCount != 1024 {
		t.Errorf("tx %d, rx %d", cfg.TxDescCount, cfg.RxDescCount)
	}

	if cfg.MAC.String() != "02:00:00:00:00:01" {
		t.Errorf("MAC %v", cfg.MAC)
	}

	if n := q.space.InUse(); n != adminq.DefaultSize {
		t.Errorf("descriptor memory wasn't freed: %d bytes in use", n)
	}

	t.Run("malformed", func(t *testing.T) {
		desc, err := adminq.EncodeDescriptor(testDescriptor, qplOption)
		if err != nil {
			t.Fatal(err)
		}

		desc[33] = 44

		q := newTestQueue(t, sim.Config{Descriptor: desc}, adminq.Config{})
		if err := q.Alloc(0); err != nil {
			t.Fatal(err)
		}

		if _, err := q.DescribeDevice(); !errors.Is(err, adminq.ErrMalformedDescriptor) {
			t.Errorf("error isn't ErrMalformedDescriptor: %v", err)
		}
	})

	t.Run("no queue format", func(t *testing.T) {
		q := newTestQueue(t, sim.Config{
			Options: []adminq.Option{{ID: adminq.OptDQORDA, Payload: adminq.OptionDQORDA{}}},
		}, adminq.Config{})

		if err := q.Alloc(0); err != nil {
			t.Fatal(err)
		}

		if _, err := q.DescribeDevice(); !errors.Is(err, adminq.ErrNoQueueFormat) {
			t.Errorf("error isn't ErrNoQueueFormat: %v", err)
		}
	})

	t.Run("not ready", func(t *testing.T) {
		q := newTestQueue(t, sim.Config{}, adminq.Config{})
		if _, err := q.DescribeDevice(); !errors.Is(err, adminq.ErrNotReady) {
			t.Errorf("error isn't ErrNotReady: %v", err)
		}

		if n := q.space.InUse(); n != 0 {
			t.Errorf("%d bytes in use", n)
		}
	})
}

func TestQueueLifecycle(t *testing.T) {
	q := newTestQueue(t, sim.Config{}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	counters, err := q.space.AllocCoherent(2*4, adminq.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	defer q.space.FreeCoherent(counters)

	err = q.ConfigureDeviceResources(adminq.ConfigureDeviceResources{
		CounterArray: counters.Addr(),
		NumCounters:  2,
		QueueFormat:  adminq.QueueFormatGQIQPL,
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := q.RegisterPageList(0, allocPages(t, q.space, 2), adminq.PageSize); err != nil {
		t.Fatal(err)
	}

	if err := q.RegisterPageList(1, allocPages(t, q.space, 2), adminq.PageSize); err != nil {
		t.Fatal(err)
	}

	err = q.CreateTxQueues(adminq.CreateTxQueue{QueueID: 0, QueuePageListID: 0, TxRingSize: 512})
	if err != nil {
		t.Fatal(err)
	}

	err = q.CreateRxQueues(adminq.CreateRxQueue{QueueID: 0, QueuePageListID: 1, RxRingSize: 1024})
	if err != nil {
		t.Fatal(err)
	}

	snap := q.dev.Snapshot()
	if !snap.Configured || snap.PageLists != 2 || snap.Pages != 4 || snap.TxQueues != 1 || snap.RxQueues != 1 {
		t.Errorf("device state %+v", snap)
	}

	// a page list in use can't be unregistered
	if err := q.UnregisterPageList(0); !errors.Is(err, adminq.ErrRetryable) {
		t.Errorf("error isn't ErrRetryable: %v", err)
	}

	if err := q.DestroyTxQueues(1); err != nil {
		t.Fatal(err)
	}

	if err := q.DestroyRxQueues(1); err != nil {
		t.Fatal(err)
	}

	for id := uint32(0); id < 2; id++ {
		if err := q.UnregisterPageList(id); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.DeconfigureDeviceResources(); err != nil {
		t.Fatal(err)
	}

	if snap := q.dev.Snapshot(); snap.Configured || snap.PageLists != 0 || snap.TxQueues != 0 || snap.RxQueues != 0 {
		t.Errorf("device state after teardown %+v", snap)
	}

	st := q.Stats()
	if st.Failures != 1 || st.Commands[adminq.OpRegisterPageList] != 2 || st.Commands[adminq.OpUnregisterPageList] != 3 {
		t.Errorf("stats %+v", st)
	}
}

func TestCreateQueuesStopsAtFirstFailure(t *testing.T) {
	q := newTestQueue(t, sim.Config{}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	counters, err := q.space.AllocCoherent(4, adminq.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	defer q.space.FreeCoherent(counters)

	err = q.ConfigureDeviceResources(adminq.ConfigureDeviceResources{
		CounterArray: counters.Addr(),
		NumCounters:  1,
		QueueFormat:  adminq.QueueFormatGQIQPL,
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := q.RegisterPageList(0, allocPages(t, q.space, 1), adminq.PageSize); err != nil {
		t.Fatal(err)
	}

	err = q.CreateTxQueues(
		adminq.CreateTxQueue{QueueID: 0, QueuePageListID: 0, TxRingSize: 512},
		adminq.CreateTxQueue{QueueID: 1, QueuePageListID: 0, TxRingSize: 500},
		adminq.CreateTxQueue{QueueID: 2, QueuePageListID: 0, TxRingSize: 512},
	)

	if !errors.Is(err, adminq.ErrInvalidRequest) {
		t.Errorf("error isn't ErrInvalidRequest: %v", err)
	}

	if snap := q.dev.Snapshot(); snap.TxQueues != 1 {
		t.Errorf("%d tx queues != 1", snap.TxQueues)
	}

	if err := q.DestroyRxQueues(1); !errors.Is(err, adminq.ErrInvalidRequest) {
		t.Errorf("error isn't ErrInvalidRequest: %v", err)
	}
}

func TestRegisterPageListBudget(t *testing.T) {
	q := newTestQueue(t, sim.Config{MaxRegisteredPages: 2}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	err := q.RegisterPageList(0, allocPages(t, q.space, 3), adminq.PageSize)
	if !errors.Is(err, adminq.ErrOutOfMemory) {
		t.Errorf("error isn't ErrOutOfMemory: %v", err)
	}

	if err := q.RegisterPageList(0, allocPages(t, q.space, 1), 8192); !errors.Is(err, adminq.ErrInvalidRequest) {
		t.Errorf("error isn't ErrInvalidRequest: %v", err)
	}
}

func TestSetMTU(t *testing.T) {
	q := newTestQueue(t, sim.Config{MTU: 1460, JumboMTU: 8896}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	if err := q.SetMTU(8896); err != nil {
		t.Fatal(err)
	}

	if err := q.SetMTU(9000); !errors.Is(err, adminq.ErrInvalidRequest) {
		t.Errorf("error isn't ErrInvalidRequest: %v", err)
	}

	if mtu := q.dev.Snapshot().MTU; mtu != 8896 {
		t.Errorf("device MTU %d != 8896", mtu)
	}
}

func TestReportLinkSpeed(t *testing.T) {
	q := newTestQueue(t, sim.Config{LinkSpeed: 100_000_000_000}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	speed, err := q.ReportLinkSpeed()
	if err != nil {
		t.Fatal(err)
	}

	if speed != 100_000_000_000 {
		t.Errorf("link speed %d != 100Gbps", speed)
	}
}

func TestGetPtypeMap(t *testing.T) {
	q := newTestQueue(t, sim.Config{}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	m, err := q.GetPtypeMap()
	if err != nil {
		t.Fatal(err)
	}

	want := adminq.PtypeEntry{L3: adminq.L3IPv4, L4: adminq.L4TCP}
	if m.Ptypes[2] != want {
		t.Errorf("ptype 2 %+v != %+v", m.Ptypes[2], want)
	}

	if m.Ptypes[500] != (adminq.PtypeEntry{}) {
		t.Errorf("ptype 500 %+v isn't unknown", m.Ptypes[500])
	}
}

func TestVerifyDriverCompatibility(t *testing.T) {
	var di adminq.DriverInfo
	di.OSType = adminq.OSTypeLinux
	di.DriverMajor = 1
	di.SetCapability(adminq.CapGQIQPL)

	t.Run("accepted", func(t *testing.T) {
		q := newTestQueue(t, sim.Config{}, adminq.Config{})
		if err := q.Alloc(0); err != nil {
			t.Fatal(err)
		}

		if err := q.VerifyDriverCompatibility(di); err != nil {
			t.Fatal(err)
		}

		if got := q.dev.Snapshot().Driver; got == nil || *got != di {
			t.Errorf("device got driver info %+v", got)
		}
	})

	t.Run("missing capability", func(t *testing.T) {
		q := newTestQueue(t, sim.Config{}, adminq.Config{})
		if err := q.Alloc(0); err != nil {
			t.Fatal(err)
		}

		if err := q.VerifyDriverCompatibility(adminq.DriverInfo{}); !errors.Is(err, adminq.ErrRetryable) {
			t.Errorf("error isn't ErrRetryable: %v", err)
		}
	})

	t.Run("legacy device", func(t *testing.T) {
		q := newTestQueue(t, sim.Config{Legacy: true}, adminq.Config{})
		if err := q.Alloc(0); err != nil {
			t.Fatal(err)
		}

		if err := q.VerifyDriverCompatibility(di); !errors.Is(err, adminq.ErrUnsupported) {
			t.Errorf("error isn't ErrUnsupported: %v", err)
		}
	})
}

func TestReportStats(t *testing.T) {
	q := newTestQueue(t, sim.Config{}, adminq.Config{})
	if err := q.Alloc(0); err != nil {
		t.Fatal(err)
	}

	report, err := q.space.AllocCoherent(adminq.PageSize, adminq.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	defer q.space.FreeCoherent(report)

	if err := q.ReportStats(report.Addr(), adminq.PageSize, 20000); err != nil {
		t.Fatal(err)
	}

	report.SyncForCPU()
	ss, err := adminq.ParseStatsReport(report.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	// no rx queues yet
	if len(ss) != 0 {
		t.Errorf("%d stats != 0", len(ss))
	}

	if got := q.dev.Snapshot().Report; got.Interval != 20000 || got.StatsReportAddr != report.Addr() {
		t.Errorf("device report %+v", got)
	}
}
