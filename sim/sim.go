// Package sim emulates a gVNIC device's admin queue.
//
// A Device exposes the admin queue registers and processes commands
// synchronously when the driver rings the doorbell, reading the ring and any
// indirect data through a Memory. Config knobs delay or stall the event
// counter and override command statuses so tests can script device behavior.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/c35s/gvnic/adminq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Memory resolves device addresses. A *dma.Space is a Memory.
type Memory interface {
	MemAt(addr uint64, size int) ([]byte, error)
}

// Config describes a simulated device.
type Config struct {

	// MTU is the MTU reported in the device descriptor. Default 1460.
	MTU uint16

	// JumboMTU, if set, is offered through the jumbo frames option.
	JumboMTU uint16

	// MAC is the device's MAC address. Default 42:01:0a:80:00:02.
	MAC net.HardwareAddr

	// TxQueueEntries and RxQueueEntries are the ring sizes reported in the
	// descriptor. They default to 512 and 1024.
	TxQueueEntries uint16
	RxQueueEntries uint16

	// MaxTxRingSize and MaxRxRingSize, if set, are offered through the modify
	// ring option.
	MaxTxRingSize uint16
	MaxRxRingSize uint16

	// DefaultNumQueues defaults to 2, Counters to 16, RxPagesPerQPL to 16
	// and MaxRegisteredPages to 1024.
	DefaultNumQueues   uint16
	Counters           uint16
	RxPagesPerQPL      uint16
	MaxRegisteredPages uint64

	// Features is the supported features mask of the GQI QPL option. It
	// defaults to SupJumboFrames|SupModifyRing.
	Features uint32

	// Options, if not nil, replaces the options derived from the fields above.
	Options []adminq.Option

	// Descriptor, if not nil, is written verbatim in response to DescribeDevice.
	Descriptor []byte

	// LinkSpeed is reported in bits per second. Default 50Gbps.
	LinkSpeed uint64

	// RingSize is the admin queue size the device assumes. It defaults to
	// adminq.DefaultSize and must match the size the driver allocates.
	RingSize int

	// Legacy devices don't implement VerifyDriverCompatibility.
	Legacy bool

	// Latency is the number of event counter reads after a doorbell before
	// the new count becomes visible.
	Latency int

	// Stall stops the device from processing commands.
	Stall bool

	// ReleaseLatency is the number of address register reads after a release
	// before the device acknowledges it. If negative, it never does.
	ReleaseLatency int

	// Status, if set, is called before each command is processed. If it
	// returns true, the command is not processed and gets the returned status.
	Status func(n uint32, cmd *adminq.Command) (adminq.Status, bool)

	// Log receives diagnostics. If Log is nil, the logrus standard logger is used.
	Log logrus.FieldLogger
}

// Device is a simulated gVNIC.
type Device struct {
	mem Memory
	cfg Config
	log logrus.FieldLogger

	mu    sync.Mutex
	state state
}

type state struct {
	pfn       uint32
	releasing bool
	releaseN  int

	counter uint32 // processed commands
	visible uint32 // event counter as read by the driver
	delay   int    // reads until counter is visible
	kicks   int

	configured bool
	counters   uint32
	mtu        uint16
	qpls       map[uint32][]uint64
	txq        map[uint32]uint32 // queue id:qpl id
	rxq        map[uint32]uint32
	driver     *adminq.DriverInfo
	report     adminq.ReportStats

	history []adminq.Command
}

var be = binary.BigEndian

var ErrConfig = errors.New("sim: invalid config")

// New creates a simulated device that reaches driver memory through mem.
func New(mem Memory, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if mem == nil {
		return nil, fmt.Errorf("%w: memory is required", ErrConfig)
	}

	d := &Device{
		mem: mem,
		cfg: cfg,
		log: cfg.Log.WithField("device", "sim"),
	}

	d.reset()
	return d, nil
}

// HandleMMIO reads or writes the 4-byte big-endian register at off.
func (d *Device) HandleMMIO(off int, data []byte, isWrite bool) error {
	if len(data) != 4 {
		return unix.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if isWrite {
		return d.writeMMIO(off, be.Uint32(data))
	}

	return d.readMMIO(off, data)
}

// Read32 implements adminq.Registers. Failed reads return all ones, like a
// PCI read from a missing device.
func (d *Device) Read32(off uint32) uint32 {
	var p [4]byte
	if err := d.HandleMMIO(int(off), p[:], false); err != nil {
		d.log.WithError(err).WithField("off", fmt.Sprintf("%#x", off)).Warn("register read failed")
		return ^uint32(0)
	}

	return be.Uint32(p[:])
}

// Write32 implements adminq.Registers.
func (d *Device) Write32(off uint32, v uint32) {
	var p [4]byte
	be.PutUint32(p[:], v)
	if err := d.HandleMMIO(int(off), p[:], true); err != nil {
		d.log.WithError(err).WithField("off", fmt.Sprintf("%#x", off)).Warn("register write failed")
	}
}

func (d *Device) readMMIO(off int, p []byte) error {
	switch off {
	case adminq.RegAdminQueueAddr:
		if d.state.releasing {
			if d.cfg.ReleaseLatency < 0 || d.state.releaseN > 0 {
				d.state.releaseN--
				be.PutUint32(p, d.state.pfn)
				return nil
			}

			d.finishRelease()
		}

		be.PutUint32(p, d.state.pfn)

	case adminq.RegEventCounter:
		if d.state.delay > 0 {
			d.state.delay--
		} else {
			d.state.visible = d.state.counter
		}

		be.PutUint32(p, d.state.visible)

	case adminq.RegDoorbell:
		return unix.EPERM

	default:
		return unix.EINVAL
	}

	return nil
}

func (d *Device) writeMMIO(off int, v uint32) error {
	switch off {
	case adminq.RegAdminQueueAddr:
		return d.writeAdminQueueAddr(v)

	case adminq.RegDoorbell:
		return d.writeDoorbell(v)

	case adminq.RegEventCounter:
		return unix.EPERM

	default:
		return unix.EINVAL
	}
}

func (d *Device) writeAdminQueueAddr(v uint32) error {
	if v == 0 {
		if d.state.pfn == 0 {
			return nil
		}

		d.state.releasing = true
		d.state.releaseN = d.cfg.ReleaseLatency
		if d.cfg.ReleaseLatency == 0 {
			d.finishRelease()
		}

		return nil
	}

	if d.state.pfn != 0 {
		return unix.EBUSY
	}

	d.state.pfn = v
	d.state.counter = 0
	d.state.visible = 0
	d.state.delay = 0

	d.log.WithField("addr", fmt.Sprintf("%#x", uint64(v)*adminq.PageSize)).Debug("admin queue installed")
	return nil
}

// finishRelease acknowledges a release. The device drops everything the
// driver configured through the admin queue.
func (d *Device) finishRelease() {
	d.reset()
	d.log.Debug("admin queue released")
}

func (d *Device) reset() {
	d.state = state{
		mtu:  d.cfg.MTU,
		qpls: make(map[uint32][]uint64),
		txq:  make(map[uint32]uint32),
		rxq:  make(map[uint32]uint32),
	}
}

func (d *Device) writeDoorbell(v uint32) error {
	if d.state.pfn == 0 || d.state.releasing {
		return unix.EPERM
	}

	d.state.kicks++
	if d.cfg.Stall {
		return nil
	}

	mask := uint32(d.cfg.RingSize/adminq.CommandSize - 1)
	base := uint64(d.state.pfn) * adminq.PageSize

	for ; d.state.counter != v; d.state.counter++ {
		addr := base + uint64(d.state.counter&mask)*adminq.CommandSize
		slot, err := d.mem.MemAt(addr, adminq.CommandSize)
		if err != nil {
			return fmt.Errorf("slot %d: %w", d.state.counter, err)
		}

		var cmd adminq.Command
		s := adminq.StatusInvalidArgument
		if err := cmd.UnmarshalBinary(slot); err != nil {
			d.log.WithError(err).Warn("malformed command")
		} else {
			s = d.process(d.state.counter, &cmd)
		}

		be.PutUint32(slot[4:], uint32(s))

		cmd.Status = s
		d.state.history = append(d.state.history, cmd)
	}

	if d.cfg.Latency > 0 {
		d.state.delay = d.cfg.Latency
	}

	return nil
}

// SetEventCounter overwrites the event counter, as a misbehaving device might.
func (d *Device) SetEventCounter(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.counter = v
	d.state.visible = v
	d.state.delay = 0
}

// SetStall starts or stops command processing.
func (d *Device) SetStall(stall bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Stall = stall
}

// Commands returns the commands the device has processed since the admin
// queue was installed, with the statuses it wrote.
func (d *Device) Commands() []adminq.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]adminq.Command(nil), d.state.history...)
}

// Kicks returns the number of doorbell writes since the admin queue was installed.
func (d *Device) Kicks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.kicks
}

// Snapshot describes the device state configured through the admin queue.
type Snapshot struct {
	Installed  bool
	Configured bool
	MTU        uint16
	PageLists  int
	Pages      int
	TxQueues   int
	RxQueues   int
	Driver     *adminq.DriverInfo
	Report     adminq.ReportStats
}

func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Snapshot{
		Installed:  d.state.pfn != 0,
		Configured: d.state.configured,
		MTU:        d.state.mtu,
		PageLists:  len(d.state.qpls),
		TxQueues:   len(d.state.txq),
		RxQueues:   len(d.state.rxq),
		Driver:     d.state.driver,
		Report:     d.state.report,
	}

	for _, pp := range d.state.qpls {
		s.Pages += len(pp)
	}

	return s
}

func (cfg Config) validate() error {
	n := cfg.RingSize / adminq.CommandSize
	if cfg.RingSize%adminq.CommandSize != 0 || n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("ring size %d is not a power-of-two number of commands", cfg.RingSize)
	}

	if len(cfg.MAC) != 6 {
		return fmt.Errorf("MAC address %v is not 6 bytes", cfg.MAC)
	}

	if cfg.MTU < adminq.MinMTU {
		return fmt.Errorf("MTU is too small: %d < %d", cfg.MTU, adminq.MinMTU)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MTU == 0 {
		cfg.MTU = 1460
	}

	if cfg.MAC == nil {
		cfg.MAC = net.HardwareAddr{0x42, 0x01, 0x0a, 0x80, 0x00, 0x02}
	}

	if cfg.TxQueueEntries == 0 {
		cfg.TxQueueEntries = 512
	}

	if cfg.RxQueueEntries == 0 {
		cfg.RxQueueEntries = 1024
	}

	if cfg.DefaultNumQueues == 0 {
		cfg.DefaultNumQueues = 2
	}

	if cfg.Counters == 0 {
		cfg.Counters = 16
	}

	if cfg.RxPagesPerQPL == 0 {
		cfg.RxPagesPerQPL = 16
	}

	if cfg.MaxRegisteredPages == 0 {
		cfg.MaxRegisteredPages = 1024
	}

	if cfg.Features == 0 {
		cfg.Features = adminq.SupJumboFrames | adminq.SupModifyRing
	}

	if cfg.LinkSpeed == 0 {
		cfg.LinkSpeed = 50_000_000_000
	}

	if cfg.RingSize == 0 {
		cfg.RingSize = adminq.DefaultSize
	}

	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	return cfg
}
