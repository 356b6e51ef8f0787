package adminq

import "sync/atomic"

// Stats is a snapshot of admin queue statistics. Counters start over each
// time the queue is allocated.
type Stats struct {
	ProducerCount uint32
	Failures      uint32
	Timeouts      uint32
	Unknown       uint32 // commands with an opcode this package doesn't know

	// Commands counts issued commands by opcode. Every known opcode is present.
	Commands map[Opcode]uint32
}

// counters are updated by the executor and may be read concurrently.
type counters struct {
	prod     atomic.Uint32
	failures atomic.Uint32
	timeouts atomic.Uint32
	unknown  atomic.Uint32
	cmds     [OpVerifyDriverCompatibility + 1]atomic.Uint32
}

func (c *counters) reset() {
	c.prod.Store(0)
	c.failures.Store(0)
	c.timeouts.Store(0)
	c.unknown.Store(0)
	for i := range c.cmds {
		c.cmds[i].Store(0)
	}
}

// count bumps the counter for op and reports whether op is known.
func (c *counters) count(op Opcode) bool {
	if _, ok := decoders[op]; !ok {
		c.unknown.Add(1)
		return false
	}

	c.cmds[op].Add(1)
	return true
}

func (c *counters) snapshot() Stats {
	s := Stats{
		ProducerCount: c.prod.Load(),
		Failures:      c.failures.Load(),
		Timeouts:      c.timeouts.Load(),
		Unknown:       c.unknown.Load(),
		Commands:      make(map[Opcode]uint32, len(Opcodes)),
	}

	for _, op := range Opcodes {
		s.Commands[op] = c.cmds[op].Load()
	}

	return s
}
