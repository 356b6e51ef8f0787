// Package dump reads and writes admin queue diagnostic bundles.
//
// A bundle is a gzipped cpio archive holding the raw ring memory, the queue
// statistics and the negotiated device configuration. The text files are YAML
// so a bundle can be inspected with nothing but cpio and a pager.
package dump

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/c35s/gvnic/adminq"
	"github.com/cavaliergopher/cpio"
	"gopkg.in/yaml.v3"
)

// Bundle is the content of a diagnostic bundle.
type Bundle struct {
	Ring   []byte
	Stats  adminq.Stats
	Config *adminq.DeviceConfig // nil if the device wasn't described
}

const (
	RingFile   = "ring.bin"
	StatsFile  = "stats.yaml"
	ConfigFile = "config.yaml"
)

var ErrFormat = errors.New("dump: malformed bundle")

type statsDoc struct {
	ProducerCount uint32            `yaml:"producer_count"`
	Failures      uint32            `yaml:"failures"`
	Timeouts      uint32            `yaml:"timeouts"`
	Unknown       uint32            `yaml:"unknown"`
	Commands      map[string]uint32 `yaml:"commands"`
}

type configDoc struct {
	QueueFormat        string   `yaml:"queue_format"`
	OfferedFormats     []string `yaml:"offered_formats,omitempty"`
	SupportedFeatures  uint32   `yaml:"supported_features"`
	MinMTU             uint16   `yaml:"min_mtu"`
	MaxMTU             uint16   `yaml:"max_mtu"`
	TxDescCount        uint16   `yaml:"tx_desc_count"`
	RxDescCount        uint16   `yaml:"rx_desc_count"`
	MaxTxDescCount     uint16   `yaml:"max_tx_desc_count"`
	MaxRxDescCount     uint16   `yaml:"max_rx_desc_count"`
	DefaultNumQueues   uint16   `yaml:"default_num_queues"`
	RxPagesPerQPL      uint16   `yaml:"rx_pages_per_qpl"`
	MaxRegisteredPages uint64   `yaml:"max_registered_pages"`
	NumEventCounters   uint16   `yaml:"num_event_counters"`
	MAC                string   `yaml:"mac"`
}

// Write writes b to w as a bundle.
func Write(w io.Writer, b *Bundle) error {
	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	put := func(name string, data []byte) error {
		err := cw.WriteHeader(&cpio.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(data)),
		})

		if err != nil {
			return err
		}

		_, err = cw.Write(data)
		return err
	}

	if err := put(RingFile, b.Ring); err != nil {
		return fmt.Errorf("dump: write %s: %w", RingFile, err)
	}

	stats, err := yaml.Marshal(toStatsDoc(b.Stats))
	if err != nil {
		return fmt.Errorf("dump: encode stats: %w", err)
	}

	if err := put(StatsFile, stats); err != nil {
		return fmt.Errorf("dump: write %s: %w", StatsFile, err)
	}

	if b.Config != nil {
		cfg, err := yaml.Marshal(toConfigDoc(b.Config))
		if err != nil {
			return fmt.Errorf("dump: encode config: %w", err)
		}

		if err := put(ConfigFile, cfg); err != nil {
			return fmt.Errorf("dump: write %s: %w", ConfigFile, err)
		}
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("dump: %w", err)
	}

	return zw.Close()
}

// Read reads a bundle written by Write. Unknown files are ignored.
func Read(r io.Reader) (*Bundle, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	defer zr.Close()

	var (
		b        Bundle
		sawStats bool
		cr       = cpio.NewReader(zr)
	)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}

		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFormat, hdr.Name, err)
		}

		switch hdr.Name {
		case RingFile:
			if len(data)%adminq.CommandSize != 0 {
				return nil, fmt.Errorf("%w: ring is %d bytes", ErrFormat, len(data))
			}

			b.Ring = data

		case StatsFile:
			var doc statsDoc
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrFormat, hdr.Name, err)
			}

			b.Stats = doc.stats()
			sawStats = true

		case ConfigFile:
			var doc configDoc
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrFormat, hdr.Name, err)
			}

			cfg, err := doc.config()
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrFormat, hdr.Name, err)
			}

			b.Config = cfg
		}
	}

	if !sawStats {
		return nil, fmt.Errorf("%w: no %s", ErrFormat, StatsFile)
	}

	return &b, nil
}

// Slots decodes the commands in a ring. Slots that were never written decode
// as a RawPayload with opcode 0.
func Slots(ring []byte) ([]adminq.Command, error) {
	cmds := make([]adminq.Command, len(ring)/adminq.CommandSize)
	for i := range cmds {
		off := i * adminq.CommandSize
		if err := cmds[i].UnmarshalBinary(ring[off : off+adminq.CommandSize]); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}

	return cmds, nil
}

// IsEmpty reports whether a ring slot was never written.
func IsEmpty(slot []byte) bool {
	return bytes.Equal(slot, make([]byte, len(slot)))
}

func toStatsDoc(s adminq.Stats) statsDoc {
	doc := statsDoc{
		ProducerCount: s.ProducerCount,
		Failures:      s.Failures,
		Timeouts:      s.Timeouts,
		Unknown:       s.Unknown,
		Commands:      make(map[string]uint32, len(s.Commands)),
	}

	for op, n := range s.Commands {
		doc.Commands[op.String()] = n
	}

	return doc
}

func (doc statsDoc) stats() adminq.Stats {
	s := adminq.Stats{
		ProducerCount: doc.ProducerCount,
		Failures:      doc.Failures,
		Timeouts:      doc.Timeouts,
		Unknown:       doc.Unknown,
		Commands:      make(map[adminq.Opcode]uint32, len(doc.Commands)),
	}

	for _, op := range adminq.Opcodes {
		if n, ok := doc.Commands[op.String()]; ok {
			s.Commands[op] = n
		}
	}

	return s
}

func toConfigDoc(c *adminq.DeviceConfig) configDoc {
	doc := configDoc{
		QueueFormat:        c.QueueFormat.String(),
		SupportedFeatures:  c.SupportedFeatures,
		MinMTU:             c.MinMTU,
		MaxMTU:             c.MaxMTU,
		TxDescCount:        c.TxDescCount,
		RxDescCount:        c.RxDescCount,
		MaxTxDescCount:     c.MaxTxDescCount,
		MaxRxDescCount:     c.MaxRxDescCount,
		DefaultNumQueues:   c.DefaultNumQueues,
		RxPagesPerQPL:      c.RxPagesPerQPL,
		MaxRegisteredPages: c.MaxRegisteredPages,
		NumEventCounters:   c.NumEventCounters,
		MAC:                c.MAC.String(),
	}

	for _, f := range c.OfferedFormats {
		doc.OfferedFormats = append(doc.OfferedFormats, f.String())
	}

	return doc
}

func (doc configDoc) config() (*adminq.DeviceConfig, error) {
	c := &adminq.DeviceConfig{
		SupportedFeatures:  doc.SupportedFeatures,
		MinMTU:             doc.MinMTU,
		MaxMTU:             doc.MaxMTU,
		TxDescCount:        doc.TxDescCount,
		RxDescCount:        doc.RxDescCount,
		MaxTxDescCount:     doc.MaxTxDescCount,
		MaxRxDescCount:     doc.MaxRxDescCount,
		DefaultNumQueues:   doc.DefaultNumQueues,
		RxPagesPerQPL:      doc.RxPagesPerQPL,
		MaxRegisteredPages: doc.MaxRegisteredPages,
		NumEventCounters:   doc.NumEventCounters,
	}

	var err error
	if c.QueueFormat, err = parseQueueFormat(doc.QueueFormat); err != nil {
		return nil, err
	}

	for _, s := range doc.OfferedFormats {
		f, err := parseQueueFormat(s)
		if err != nil {
			return nil, err
		}

		c.OfferedFormats = append(c.OfferedFormats, f)
	}

	if doc.MAC != "" {
		if c.MAC, err = net.ParseMAC(doc.MAC); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func parseQueueFormat(s string) (adminq.QueueFormat, error) {
	for f := adminq.QueueFormatUnspecified; f <= adminq.QueueFormatDQORDA; f++ {
		if f.String() == s {
			return f, nil
		}
	}

	return 0, fmt.Errorf("unknown queue format %q", s)
}
