// Package adminq implements the gVNIC admin queue, the ring of fixed-size
// commands a driver uses to configure the device.
//
// The driver writes a command into the next free slot, rings the doorbell with
// its producer count, and polls the device's event counter until it catches
// up. The device writes a status into each slot it processes. Device
// registers and coherent memory are supplied by the caller, so a Queue runs
// the same against real hardware and the simulated device in package sim.
//
// A Queue is not safe for concurrent use. The caller serializes Alloc,
// Release, Reset, Execute and the typed operations; only Stats may be called
// concurrently with them.
package adminq

import (
	"errors"
	"fmt"
	"time"

	"github.com/c35s/gvnic/dma"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Device register offsets used by the admin queue.
const (
	RegAdminQueueAddr = 0x10 // ring address / PageSize, 0 releases the queue
	RegDoorbell       = 0x14 // producer count
	RegEventCounter   = 0x18 // number of commands the device has processed
)

// PageSize is the unit of the admin queue address register.
const PageSize = 4096

// DefaultSize is the ring size used when Alloc is called with 0.
const DefaultSize = PageSize

// Registers reads and writes 32-bit device registers.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Allocator provides coherent memory shared with the device.
type Allocator interface {
	AllocCoherent(size, align int) (*dma.Buf, error)
	FreeCoherent(b *dma.Buf) error
}

// Config configures a Queue.
type Config struct {

	// PollInterval is the time between event counter checks while waiting for
	// the device. If PollInterval is 0, the queue waits 20ms.
	PollInterval time.Duration

	// PollAttempts is the number of event counter checks before a command
	// times out. If PollAttempts is 0, the queue checks 10 times.
	PollAttempts int

	// ReleaseInterval and ReleaseAttempts bound the wait for the device to
	// acknowledge a release. They default to 20ms and 500.
	ReleaseInterval time.Duration
	ReleaseAttempts int

	// Log receives diagnostics. If Log is nil, the logrus standard logger is used.
	Log logrus.FieldLogger
}

const (
	DefaultPollInterval    = 20 * time.Millisecond
	DefaultPollAttempts    = 10
	DefaultReleaseInterval = 20 * time.Millisecond
	DefaultReleaseAttempts = 500
)

var ErrConfig = errors.New("adminq: invalid config")

// Queue is a gVNIC admin queue.
type Queue struct {
	regs  Registers
	alloc Allocator
	cfg   Config
	log   logrus.FieldLogger

	ring   *dma.Buf
	size   int
	mask   uint32
	broken bool

	// stats.prod is the producer count.
	stats counters
}

// New returns an unallocated queue. Call Alloc before executing commands.
func New(regs Registers, alloc Allocator, cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if regs == nil || alloc == nil {
		return nil, fmt.Errorf("%w: registers and allocator are required", ErrConfig)
	}

	return &Queue{
		regs:  regs,
		alloc: alloc,
		cfg:   cfg,
		log:   cfg.Log,
	}, nil
}

// Alloc allocates a ring of size bytes and hands it to the device. The size
// must hold a power-of-two number of commands, at least 2. Alloc does nothing
// if the queue is already allocated. Statistics and the producer count start
// over.
func (q *Queue) Alloc(size int) error {
	if q.ring != nil {
		return nil
	}

	if size == 0 {
		size = DefaultSize
	}

	n := size / CommandSize
	if size%CommandSize != 0 || n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("%w: %d bytes is not a power-of-two number of commands", ErrAllocation, size)
	}

	buf, err := q.alloc.AllocCoherent(size, max(size, PageSize))
	if err != nil {
		q.log.WithError(err).Error("failed to allocate admin queue memory")
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	q.ring = buf
	q.size = size
	q.mask = uint32(n - 1)
	q.broken = false
	q.stats.reset()

	q.regs.Write32(RegAdminQueueAddr, uint32(buf.Addr()/PageSize))

	q.log.WithFields(logrus.Fields{
		"addr":  fmt.Sprintf("%#x", buf.Addr()),
		"slots": n,
	}).Debug("admin queue allocated")

	return nil
}

// Release asks the device to let go of the ring, waits for it to acknowledge,
// and frees the ring memory. If the device doesn't acknowledge in time, the
// memory is freed anyway. Release does nothing if the queue isn't allocated.
func (q *Queue) Release() {
	if q.ring == nil {
		return
	}

	q.regs.Write32(RegAdminQueueAddr, 0)

	acked := false
	for i := 0; i < q.cfg.ReleaseAttempts; i++ {
		if q.regs.Read32(RegAdminQueueAddr) == 0 {
			acked = true
			break
		}

		q.log.Debug("waiting until admin queue is released")
		time.Sleep(q.cfg.ReleaseInterval)
	}

	if !acked {
		q.log.WithField("attempts", q.cfg.ReleaseAttempts).Error("device didn't release the admin queue, freeing it anyway")
	}

	if err := q.alloc.FreeCoherent(q.ring); err != nil {
		q.log.WithError(err).Warn("failed to free admin queue memory")
	}

	q.ring = nil
	q.size = 0
	q.mask = 0
	q.broken = false

	q.log.Info("admin queue released")
}

// Reset releases the ring and allocates a new one of the same size. It is
// the only way to recover a queue after ErrUnrecoverable.
func (q *Queue) Reset() error {
	size := q.size
	q.Release()
	return q.Alloc(size)
}

// Ready reports whether the queue is allocated.
func (q *Queue) Ready() bool {
	return q.ring != nil
}

// Broken reports whether a command timed out since the last Alloc.
func (q *Queue) Broken() bool {
	return q.broken
}

// Size returns the ring size in bytes, or 0 if the queue isn't allocated.
func (q *Queue) Size() int {
	return q.size
}

// Stats returns a snapshot of the queue's statistics. It is safe to call
// concurrently with the other methods.
func (q *Queue) Stats() Stats {
	return q.stats.snapshot()
}

// Ring returns a copy of the ring memory, or nil if the queue isn't allocated.
func (q *Queue) Ring() []byte {
	if q.ring == nil {
		return nil
	}

	q.ring.SyncForCPU()
	return append([]byte(nil), q.ring.Bytes()...)
}

// Execute issues cmd, rings the doorbell and waits for the device to process
// it. The status the device wrote is stored in cmd.Status. Execute fails with
// ErrConcurrentAccess without touching the ring if commands are outstanding,
// and with ErrUnrecoverable if the device doesn't respond in time.
func (q *Queue) Execute(cmd *Command) error {
	if q.ring == nil {
		return ErrNotReady
	}

	if q.broken {
		return fmt.Errorf("%w: %w", ErrUnrecoverable, unix.ENOTRECOVERABLE)
	}

	tail := q.regs.Read32(RegEventCounter)
	head := q.stats.prod.Load()
	if tail != head {
		return fmt.Errorf("%w: producer count %d, event counter %d", ErrConcurrentAccess, head, tail)
	}

	i, err := q.issue(cmd)
	if err != nil {
		return err
	}

	err = q.kickAndWait()
	if !q.broken {
		cmd.Status = Status(be.Uint32(q.slot(i)[4:]))
	}

	return err
}

// slot returns the ring memory of the slot for producer count i.
func (q *Queue) slot(i uint32) []byte {
	off := int(i&q.mask) * CommandSize
	return q.ring.Bytes()[off : off+CommandSize]
}

// issue copies cmd into the next free slot and returns its producer count.
// If the ring is full, outstanding commands are flushed once first.
func (q *Queue) issue(cmd *Command) (uint32, error) {
	tail := q.regs.Read32(RegEventCounter)

	// one slot stays free so that outstanding commands never exceed the mask
	if q.stats.prod.Load()-tail >= q.mask {
		if err := q.kickAndWait(); err != nil {
			return 0, err
		}

		tail = q.regs.Read32(RegEventCounter)
		if q.stats.prod.Load()-tail >= q.mask {
			return 0, fmt.Errorf("%w: producer count %d, event counter %d", ErrRingFull, q.stats.prod.Load(), tail)
		}
	}

	i := q.stats.prod.Load()
	s := q.slot(i)
	if err := cmd.MarshalTo(s); err != nil {
		return 0, err
	}

	be.PutUint32(s[4:], uint32(StatusUnset))
	q.stats.prod.Add(1)
	q.ring.SyncForDevice()

	if op := cmd.Opcode(); !q.stats.count(op) {
		q.log.WithField("opcode", op).Warn("unknown admin queue command opcode")
	}

	return i, nil
}

// kickAndWait rings the doorbell with the producer count and waits for the
// device to process every outstanding command. It returns the error of the
// first command that failed.
func (q *Queue) kickAndWait() error {
	tail := q.regs.Read32(RegEventCounter)
	head := q.stats.prod.Load()

	q.regs.Write32(RegDoorbell, head)
	if !q.waitFor(head) {
		q.stats.timeouts.Add(1)
		q.broken = true

		q.log.WithFields(logrus.Fields{
			"producer": head,
			"counter":  q.regs.Read32(RegEventCounter),
		}).Error("admin queue commands timed out, need to reset admin queue")

		return fmt.Errorf("%w: %w", ErrUnrecoverable, unix.ENOTRECOVERABLE)
	}

	q.ring.SyncForCPU()

	for i := tail; i != head; i++ {
		s := q.slot(i)
		if err := q.check(Opcode(be.Uint32(s)), Status(be.Uint32(s[4:]))); err != nil {
			return err
		}
	}

	return nil
}

// waitFor polls the event counter until it reaches prod.
func (q *Queue) waitFor(prod uint32) bool {
	for i := 0; i < q.cfg.PollAttempts; i++ {
		if q.regs.Read32(RegEventCounter) == prod {
			return true
		}

		time.Sleep(q.cfg.PollInterval)
	}

	return false
}

// check translates the status of a processed command.
func (q *Queue) check(op Opcode, s Status) error {
	err := s.Err()
	if err == nil {
		return nil
	}

	l := q.log.WithFields(logrus.Fields{
		"opcode": op,
		"status": s,
	})

	if s == StatusUnset {
		l.Error("admin queue command completed without a status")
		return err
	}

	q.stats.failures.Add(1)

	if !s.Known() {
		l.Warn("admin queue command failed with unknown status")
		return err
	}

	l.Warn("admin queue command failed")
	return err
}

func (cfg Config) validate() error {
	if cfg.PollInterval < 0 || cfg.ReleaseInterval < 0 {
		return errors.New("poll intervals must not be negative")
	}

	if cfg.PollAttempts < 0 || cfg.ReleaseAttempts < 0 {
		return errors.New("poll attempts must not be negative")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}

	if cfg.ReleaseInterval == 0 {
		cfg.ReleaseInterval = DefaultReleaseInterval
	}

	if cfg.ReleaseAttempts == 0 {
		cfg.ReleaseAttempts = DefaultReleaseAttempts
	}

	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	return cfg
}
