package adminq

import (
	"errors"
	"testing"
	"time"

	"github.com/c35s/gvnic/dma"
	"github.com/sirupsen/logrus/hooks/test"
)

// scriptedRegs is a device that completes commands on the doorbell. Event
// counter reads return script values first.
type scriptedRegs struct {
	q       *Queue
	pfn     uint32
	counter uint32
	script  []uint32
	status  func(n uint32) Status
	kicks   []uint32
}

func (r *scriptedRegs) Read32(off uint32) uint32 {
	switch off {
	case RegAdminQueueAddr:
		return r.pfn

	case RegEventCounter:
		if len(r.script) > 0 {
			v := r.script[0]
			r.script = r.script[1:]
			return v
		}

		return r.counter
	}

	return 0
}

func (r *scriptedRegs) Write32(off uint32, v uint32) {
	switch off {
	case RegAdminQueueAddr:
		r.pfn = v

	case RegDoorbell:
		r.kicks = append(r.kicks, v)
		for ; r.counter != v; r.counter++ {
			s := StatusPassed
			if r.status != nil {
				s = r.status(r.counter)
			}

			be.PutUint32(r.q.slot(r.counter)[4:], uint32(s))
		}
	}
}

func newScriptedQueue(t *testing.T, size int) (*Queue, *scriptedRegs) {
	t.Helper()

	log, _ := test.NewNullLogger()
	regs := new(scriptedRegs)

	q, err := New(regs, dma.NewSpace(0, 0), Config{
		PollInterval: time.Microsecond,
		PollAttempts: 2,
		Log:          log,
	})

	if err != nil {
		t.Fatal(err)
	}

	regs.q = q
	if err := q.Alloc(size); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(q.Release)
	return q, regs
}

func TestIssueFlushesFullRing(t *testing.T) {
	q, regs := newScriptedQueue(t, 4*CommandSize)

	for i := 0; i < 8; i++ {
		cmd := Command{Payload: UnregisterPageList{PageListID: uint32(i)}}
		if _, err := q.issue(&cmd); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}

		if n := q.stats.prod.Load() - regs.counter; n > q.mask {
			t.Fatalf("issue %d: %d outstanding commands > %d", i, n, q.mask)
		}
	}

	// three slots fill the ring; the fourth and seventh issues flush it
	if len(regs.kicks) != 2 || regs.kicks[0] != 3 || regs.kicks[1] != 6 {
		t.Errorf("doorbell writes %v != [3 6]", regs.kicks)
	}

	if err := q.kickAndWait(); err != nil {
		t.Fatal(err)
	}

	if st := q.Stats(); st.ProducerCount != 8 || st.Commands[OpUnregisterPageList] != 8 {
		t.Errorf("stats %+v", st)
	}
}

func TestIssueRingFull(t *testing.T) {
	q, regs := newScriptedQueue(t, 4*CommandSize)

	for i := 0; i < 3; i++ {
		if _, err := q.issue(&Command{Payload: DestroyTxQueue{QueueID: uint32(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	// issue, kickAndWait and waitFor see the flush complete, then the
	// counter reads stale
	regs.script = []uint32{0, 0, 3, 0}

	_, err := q.issue(&Command{Payload: DestroyTxQueue{QueueID: 3}})
	if !errors.Is(err, ErrRingFull) {
		t.Errorf("error isn't ErrRingFull: %v", err)
	}

	if p := q.stats.prod.Load(); p != 3 {
		t.Errorf("producer count %d != 3", p)
	}
}

func TestKickAndWaitFirstErrorWins(t *testing.T) {
	q, regs := newScriptedQueue(t, 8*CommandSize)

	regs.status = func(n uint32) Status {
		switch n {
		case 1:
			return StatusNotFound

		case 2:
			return StatusAborted

		default:
			return StatusPassed
		}
	}

	for i := 0; i < 4; i++ {
		if _, err := q.issue(&Command{Payload: DestroyRxQueue{QueueID: uint32(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	err := q.kickAndWait()
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("error isn't ErrInvalidRequest: %v", err)
	}

	if errors.Is(err, ErrRetryable) {
		t.Errorf("later error won: %v", err)
	}

	if f := q.stats.failures.Load(); f != 1 {
		t.Errorf("failures %d != 1", f)
	}

	if regs.counter != 4 {
		t.Errorf("event counter %d != 4", regs.counter)
	}
}

func TestIssueClearsStatus(t *testing.T) {
	q, _ := newScriptedQueue(t, 2*CommandSize)

	cmd := Command{Status: StatusPassed, Payload: DeconfigureDeviceResources{}}
	i, err := q.issue(&cmd)
	if err != nil {
		t.Fatal(err)
	}

	if s := Status(be.Uint32(q.slot(i)[4:])); s != StatusUnset {
		t.Errorf("slot status %v != %v", s, StatusUnset)
	}
}
