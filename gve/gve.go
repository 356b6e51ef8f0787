// Package gve drives a gVNIC device through its admin queue.
//
// Attach brings the device up: it allocates the admin queue, negotiates the
// device configuration, hands the device its event counters, registers a
// queue page list for every queue and creates the queues. Detach tears all of
// it down again. The data path is not implemented, so the queue rings are
// allocated and handed to the device but never serviced.
package gve

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/c35s/gvnic/adminq"
	"github.com/c35s/gvnic/dma"
	"github.com/c35s/gvnic/dump"
	"github.com/sirupsen/logrus"
)

// Config configures a Driver.
type Config struct {

	// RingSize is the admin queue size in bytes. Default adminq.DefaultSize.
	RingSize int

	// NumQueues is the number of tx and rx queue pairs. If NumQueues is 0,
	// the device's default is used.
	NumQueues int

	// TxPagesPerQPL is the size of each tx queue page list. Default 16.
	TxPagesPerQPL int

	// MTU, if set, is applied after the queues are created.
	MTU uint16

	// StatsInterval, if set, asks the device to write a stats report every
	// StatsInterval milliseconds.
	StatsInterval uint64

	// DriverInfo describes the driver to the device. If it is nil,
	// DefaultDriverInfo is used.
	DriverInfo *adminq.DriverInfo

	// Queue configures the admin queue. If Queue.Log is nil, Log is used.
	Queue adminq.Config

	// Log receives diagnostics. If Log is nil, the logrus standard logger is used.
	Log logrus.FieldLogger
}

// Driver is an attached gVNIC driver. Its methods are safe for concurrent use.
type Driver struct {
	alloc adminq.Allocator
	cfg   Config
	log   logrus.FieldLogger
	aq    *adminq.Queue

	mu       sync.Mutex
	attached bool
	dev      *adminq.DeviceConfig
	mtu      uint16
	ptypes   *adminq.PtypeMap

	counters *dma.Buf
	irqdb    *dma.Buf
	report   *dma.Buf
	qpls     []*qpl
	tx       []*ring
	rx       []*ring

	configured bool
	txCreated  int
	rxCreated  int
}

// qpl is a registered queue page list.
type qpl struct {
	id         uint32
	mem        *dma.Buf
	registered bool
}

// ring is the memory of one data path queue.
type ring struct {
	res  *dma.Buf // queue resources written by the device
	desc *dma.Buf
	data *dma.Buf // rx only
}

const (
	DefaultTxPagesPerQPL = 16

	irqDoorbellStride = 64
	queueResSize      = 64
	txDescSize        = 16
	rxDescSize        = 64
	rxDataSlotSize    = 8
	rxBufferSize      = 2048
)

var (
	ErrConfig        = errors.New("gve: invalid config")
	ErrAttach        = errors.New("gve: attach failed")
	ErrNotAttached   = errors.New("gve: driver is not attached")
	ErrMTU           = errors.New("gve: MTU out of range")
	ErrPageBudget    = errors.New("gve: queue page lists exceed the device's page budget")
	ErrQueueBudget   = errors.New("gve: not enough event counters for the requested queues")
	ErrNoStatsReport = errors.New("gve: stats reporting is not enabled")
)

// Attach brings up the device behind regs. Memory shared with the device is
// allocated from alloc.
func Attach(regs adminq.Registers, alloc adminq.Allocator, cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	aq, err := adminq.New(regs, alloc, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Driver{
		alloc: alloc,
		cfg:   cfg,
		log:   cfg.Log,
		aq:    aq,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.up(); err != nil {
		d.down()
		return nil, fmt.Errorf("%w: %w", ErrAttach, err)
	}

	return d, nil
}

// Detach destroys the queues, unregisters the page lists, releases the admin
// queue and frees all shared memory. Device errors during teardown are
// returned after teardown completes.
func (d *Driver) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return ErrNotAttached
	}

	err := d.down()
	d.log.Info("detached")
	return err
}

// Reset tears the device down and brings it up again. It recovers a driver
// whose admin queue failed with adminq.ErrUnrecoverable.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return ErrNotAttached
	}

	if err := d.down(); err != nil {
		d.log.WithError(err).Warn("errors during reset teardown")
	}

	if err := d.up(); err != nil {
		d.down()
		return fmt.Errorf("%w: %w", ErrAttach, err)
	}

	return nil
}

// up runs the attach sequence. The caller holds d.mu and calls down if it fails.
func (d *Driver) up() error {
	if err := d.aq.Alloc(d.cfg.RingSize); err != nil {
		return err
	}

	d.attached = true

	di := d.cfg.DriverInfo
	if di == nil {
		di = DefaultDriverInfo()
	}

	if err := d.aq.VerifyDriverCompatibility(*di); err != nil {
		if !errors.Is(err, adminq.ErrUnsupported) {
			return fmt.Errorf("verify driver compatibility: %w", err)
		}

		d.log.Debug("device doesn't verify driver compatibility")
	}

	dev, err := d.aq.DescribeDevice()
	if err != nil {
		return fmt.Errorf("describe device: %w", err)
	}

	d.dev = dev
	d.mtu = dev.MaxMTU

	n := d.cfg.NumQueues
	if n == 0 {
		n = int(dev.DefaultNumQueues)
	}

	// each queue has its own notification block
	if 2*n > int(dev.NumEventCounters) {
		return fmt.Errorf("%w: %d queue pairs, %d counters", ErrQueueBudget, n, dev.NumEventCounters)
	}

	if err := d.configureResources(2 * n); err != nil {
		return err
	}

	if err := d.registerQPLs(n); err != nil {
		return err
	}

	if err := d.createQueues(n); err != nil {
		return err
	}

	if m, err := d.aq.GetPtypeMap(); err == nil {
		d.ptypes = m
	} else if !errors.Is(err, adminq.ErrUnsupported) {
		return fmt.Errorf("get ptype map: %w", err)
	}

	if d.cfg.StatsInterval > 0 {
		if err := d.startStatsReport(n); err != nil {
			return err
		}
	}

	if d.cfg.MTU != 0 {
		if err := d.setMTU(d.cfg.MTU); err != nil {
			return err
		}
	}

	d.log.WithFields(logrus.Fields{
		"mac":     dev.MAC.String(),
		"queues":  n,
		"tx_desc": dev.TxDescCount,
		"rx_desc": dev.RxDescCount,
		"mtu":     d.mtu,
	}).Info("attached")

	return nil
}

func (d *Driver) configureResources(notify int) error {
	var err error
	if d.counters, err = d.allocShared(notify*4, 0); err != nil {
		return err
	}

	if d.irqdb, err = d.allocShared(notify*irqDoorbellStride, 0); err != nil {
		return err
	}

	err = d.aq.ConfigureDeviceResources(adminq.ConfigureDeviceResources{
		CounterArray:      d.counters.Addr(),
		IRQDoorbellAddr:   d.irqdb.Addr(),
		NumCounters:       uint32(notify),
		NumIRQDoorbells:   uint32(notify),
		IRQDoorbellStride: irqDoorbellStride,
		QueueFormat:       d.dev.QueueFormat,
	})

	if err != nil {
		return fmt.Errorf("configure device resources: %w", err)
	}

	d.configured = true
	return nil
}

// registerQPLs registers one page list per queue: tx lists get ids 0..n-1
// and rx lists n..2n-1.
func (d *Driver) registerQPLs(n int) error {
	tx := d.cfg.TxPagesPerQPL
	rx := int(d.dev.RxPagesPerQPL)

	if total := uint64(n * (tx + rx)); total > d.dev.MaxRegisteredPages {
		return fmt.Errorf("%w: %d pages, budget %d", ErrPageBudget, total, d.dev.MaxRegisteredPages)
	}

	for i := 0; i < 2*n; i++ {
		pages := tx
		if i >= n {
			pages = rx
		}

		mem, err := d.allocShared(pages*adminq.PageSize, adminq.PageSize)
		if err != nil {
			return err
		}

		p := &qpl{id: uint32(i), mem: mem}
		d.qpls = append(d.qpls, p)

		addrs := make([]uint64, pages)
		for k := range addrs {
			addrs[k] = mem.Addr() + uint64(k*adminq.PageSize)
		}

		if err := d.aq.RegisterPageList(p.id, addrs, adminq.PageSize); err != nil {
			return fmt.Errorf("register page list %d: %w", p.id, err)
		}

		p.registered = true
	}

	return nil
}

func (d *Driver) createQueues(n int) error {
	txq := make([]adminq.CreateTxQueue, n)
	for i := range txq {
		r := new(ring)
		d.tx = append(d.tx, r)

		var err error
		if r.res, err = d.allocShared(queueResSize, 0); err != nil {
			return err
		}

		if r.desc, err = d.allocShared(int(d.dev.TxDescCount)*txDescSize, 0); err != nil {
			return err
		}

		txq[i] = adminq.CreateTxQueue{
			QueueID:            uint32(i),
			QueueResourcesAddr: r.res.Addr(),
			TxRingAddr:         r.desc.Addr(),
			QueuePageListID:    uint32(i),
			NotifyID:           uint32(i),
			TxRingSize:         d.dev.TxDescCount,
		}
	}

	rxq := make([]adminq.CreateRxQueue, n)
	for i := range rxq {
		r := new(ring)
		d.rx = append(d.rx, r)

		var err error
		if r.res, err = d.allocShared(queueResSize, 0); err != nil {
			return err
		}

		if r.desc, err = d.allocShared(int(d.dev.RxDescCount)*rxDescSize, 0); err != nil {
			return err
		}

		if r.data, err = d.allocShared(int(d.dev.RxDescCount)*rxDataSlotSize, 0); err != nil {
			return err
		}

		rxq[i] = adminq.CreateRxQueue{
			QueueID:            uint32(i),
			Index:              uint32(i),
			NotifyID:           uint32(n + i),
			QueueResourcesAddr: r.res.Addr(),
			RxDescRingAddr:     r.desc.Addr(),
			RxDataRingAddr:     r.data.Addr(),
			QueuePageListID:    uint32(n + i),
			RxRingSize:         d.dev.RxDescCount,
			PacketBufferSize:   rxBufferSize,
		}
	}

	for i := range txq {
		if err := d.aq.CreateTxQueues(txq[i]); err != nil {
			return fmt.Errorf("create tx queue %d: %w", i, err)
		}

		d.txCreated++
	}

	for i := range rxq {
		if err := d.aq.CreateRxQueues(rxq[i]); err != nil {
			return fmt.Errorf("create rx queue %d: %w", i, err)
		}

		d.rxCreated++
	}

	return nil
}

func (d *Driver) startStatsReport(n int) error {
	// room for the driver's and device's stats of every queue
	size := adminq.StatsReportHeaderSize + 16*8*2*n

	var err error
	if d.report, err = d.allocShared(size, 0); err != nil {
		return err
	}

	if err := d.aq.ReportStats(d.report.Addr(), uint64(size), d.cfg.StatsInterval); err != nil {
		return fmt.Errorf("report stats: %w", err)
	}

	return nil
}

// down undoes whatever up managed to do. The caller holds d.mu. Device
// commands are skipped once the admin queue is broken, but memory is always
// freed and the admin queue is always released.
func (d *Driver) down() error {
	var errs []error
	exec := func(what string, f func() error) {
		if !d.aq.Ready() || d.aq.Broken() {
			return
		}

		if err := f(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	exec("destroy rx queues", func() error { return d.aq.DestroyRxQueues(d.rxCreated) })
	exec("destroy tx queues", func() error { return d.aq.DestroyTxQueues(d.txCreated) })

	for _, p := range d.qpls {
		if p.registered {
			exec("unregister page list", func() error { return d.aq.UnregisterPageList(p.id) })
		}
	}

	if d.configured {
		exec("deconfigure device resources", d.aq.DeconfigureDeviceResources)
	}

	for _, r := range append(d.tx, d.rx...) {
		d.free(r.res)
		d.free(r.desc)
		d.free(r.data)
	}

	for _, p := range d.qpls {
		d.free(p.mem)
	}

	d.free(d.report)
	d.free(d.irqdb)
	d.free(d.counters)

	d.aq.Release()

	d.attached = false
	d.dev = nil
	d.mtu = 0
	d.ptypes = nil
	d.counters = nil
	d.irqdb = nil
	d.report = nil
	d.qpls = nil
	d.tx = nil
	d.rx = nil
	d.configured = false
	d.txCreated = 0
	d.rxCreated = 0

	return errors.Join(errs...)
}

// SetMTU changes the device MTU. It must lie within the negotiated range.
func (d *Driver) SetMTU(mtu uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return ErrNotAttached
	}

	return d.setMTU(mtu)
}

func (d *Driver) setMTU(mtu uint16) error {
	if mtu < d.dev.MinMTU || mtu > d.dev.MaxMTU {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrMTU, mtu, d.dev.MinMTU, d.dev.MaxMTU)
	}

	if err := d.aq.SetMTU(mtu); err != nil {
		return fmt.Errorf("set MTU: %w", err)
	}

	d.mtu = mtu
	return nil
}

// MTU returns the current MTU.
func (d *Driver) MTU() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

// LinkSpeed asks the device for its link speed in bits per second.
func (d *Driver) LinkSpeed() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return 0, ErrNotAttached
	}

	return d.aq.ReportLinkSpeed()
}

// Config returns a copy of the negotiated device configuration.
func (d *Driver) Config() (adminq.DeviceConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return adminq.DeviceConfig{}, ErrNotAttached
	}

	c := *d.dev
	c.OfferedFormats = append([]adminq.QueueFormat(nil), c.OfferedFormats...)
	c.MAC = append(c.MAC[:0:0], c.MAC...)
	return c, nil
}

// PtypeMap returns the device's packet type map, or nil if the device
// doesn't provide one.
func (d *Driver) PtypeMap() *adminq.PtypeMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ptypes
}

// StatsReport returns the entries of the latest stats report the device wrote.
func (d *Driver) StatsReport() ([]adminq.StatsReportEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.report == nil {
		return nil, ErrNoStatsReport
	}

	d.report.SyncForCPU()
	return adminq.ParseStatsReport(d.report.Bytes())
}

// Stats returns the admin queue statistics. It doesn't wait for a command in
// progress.
func (d *Driver) Stats() adminq.Stats {
	return d.aq.Stats()
}

// Dump writes a diagnostic bundle of the admin queue ring, its statistics and
// the negotiated configuration to w.
func (d *Driver) Dump(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := dump.Bundle{
		Ring:   d.aq.Ring(),
		Stats:  d.aq.Stats(),
		Config: d.dev,
	}

	return dump.Write(w, &b)
}

func (d *Driver) allocShared(size, align int) (*dma.Buf, error) {
	if align == 0 {
		align = 64
	}

	b, err := d.alloc.AllocCoherent(size, align)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", adminq.ErrAllocation, err)
	}

	return b, nil
}

func (d *Driver) free(b *dma.Buf) {
	if b == nil {
		return
	}

	if err := d.alloc.FreeCoherent(b); err != nil {
		d.log.WithError(err).Warn("failed to free shared memory")
	}
}

func (cfg Config) validate() error {
	if cfg.NumQueues < 0 {
		return fmt.Errorf("queue count must not be negative: %d", cfg.NumQueues)
	}

	if cfg.TxPagesPerQPL <= 0 {
		return fmt.Errorf("tx pages per QPL must be positive: %d", cfg.TxPagesPerQPL)
	}

	if cfg.MTU != 0 && cfg.MTU < adminq.MinMTU {
		return fmt.Errorf("MTU is too small: %d < %d", cfg.MTU, adminq.MinMTU)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.TxPagesPerQPL == 0 {
		cfg.TxPagesPerQPL = DefaultTxPagesPerQPL
	}

	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	if cfg.Queue.Log == nil {
		cfg.Queue.Log = cfg.Log
	}

	return cfg
}
