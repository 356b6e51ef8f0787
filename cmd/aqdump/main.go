// aqdump prints the contents of an admin queue diagnostic bundle.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/c35s/gvnic/adminq"
	"github.com/c35s/gvnic/dump"
)

func main() {
	all := flag.Bool("all", false, "print empty ring slots too")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: aqdump [-all] bundle")
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		panic(err)
	}

	defer f.Close()

	b, err := dump.Read(f)
	if err != nil {
		panic(err)
	}

	fmt.Println("# stats")
	fmt.Printf("producer count: %d\n", b.Stats.ProducerCount)
	fmt.Printf("failures: %d\n", b.Stats.Failures)
	fmt.Printf("timeouts: %d\n", b.Stats.Timeouts)
	fmt.Printf("unknown: %d\n", b.Stats.Unknown)
	for _, op := range adminq.Opcodes {
		if n := b.Stats.Commands[op]; n > 0 {
			fmt.Printf("%v: %d\n", op, n)
		}
	}

	if c := b.Config; c != nil {
		fmt.Println("\n# config")
		fmt.Printf("queue format: %v (offered %v)\n", c.QueueFormat, c.OfferedFormats)
		fmt.Printf("features: %#x\n", c.SupportedFeatures)
		fmt.Printf("mtu: %d-%d\n", c.MinMTU, c.MaxMTU)
		fmt.Printf("tx desc: %d/%d\n", c.TxDescCount, c.MaxTxDescCount)
		fmt.Printf("rx desc: %d/%d\n", c.RxDescCount, c.MaxRxDescCount)
		fmt.Printf("queues: %d\n", c.DefaultNumQueues)
		fmt.Printf("rx pages per qpl: %d\n", c.RxPagesPerQPL)
		fmt.Printf("max registered pages: %d\n", c.MaxRegisteredPages)
		fmt.Printf("event counters: %d\n", c.NumEventCounters)
		fmt.Printf("mac: %v\n", c.MAC)
	}

	cmds, err := dump.Slots(b.Ring)
	if err != nil {
		panic(err)
	}

	fmt.Printf("\n# ring (%d slots)\n", len(cmds))
	for i, cmd := range cmds {
		off := i * adminq.CommandSize
		if !*all && dump.IsEmpty(b.Ring[off:off+adminq.CommandSize]) {
			continue
		}

		fmt.Printf("%3d %-28v %-20v %+v\n", i, cmd.Opcode(), cmd.Status, cmd.Payload)
	}
}
