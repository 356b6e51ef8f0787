package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/c35s/gvnic/adminq"
	"github.com/c35s/gvnic/gve"
	"github.com/c35s/gvnic/sim"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Config is the gvnic configuration file.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Device  DeviceConfig  `yaml:"device"`
	Driver  DriverConfig  `yaml:"driver"`
	Metrics MetricsConfig `yaml:"metrics"`

	// MemoryLimit caps the coherent memory shared with the device, in bytes.
	MemoryLimit int `yaml:"memory_limit"`
}

type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

// DeviceConfig configures the simulated device.
type DeviceConfig struct {
	MTU                uint16 `yaml:"mtu"`
	JumboMTU           uint16 `yaml:"jumbo_mtu"`
	MAC                string `yaml:"mac"`
	TxQueueEntries     uint16 `yaml:"tx_queue_entries"`
	RxQueueEntries     uint16 `yaml:"rx_queue_entries"`
	MaxTxRingSize      uint16 `yaml:"max_tx_ring_size"`
	MaxRxRingSize      uint16 `yaml:"max_rx_ring_size"`
	DefaultNumQueues   uint16 `yaml:"default_num_queues"`
	Counters           uint16 `yaml:"counters"`
	RxPagesPerQPL      uint16 `yaml:"rx_pages_per_qpl"`
	MaxRegisteredPages uint64 `yaml:"max_registered_pages"`
	Features           uint32 `yaml:"features"`
	LinkSpeed          uint64 `yaml:"link_speed"`
	Latency            int    `yaml:"latency"`
	Legacy             bool   `yaml:"legacy"`
}

type DriverConfig struct {
	RingSize        int           `yaml:"ring_size"`
	NumQueues       int           `yaml:"num_queues"`
	TxPagesPerQPL   int           `yaml:"tx_pages_per_qpl"`
	MTU             uint16        `yaml:"mtu"`
	StatsInterval   uint64        `yaml:"stats_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollAttempts    int           `yaml:"poll_attempts"`
	ReleaseInterval time.Duration `yaml:"release_interval"`
	ReleaseAttempts int           `yaml:"release_attempts"`
}

type MetricsConfig struct {

	// Listen is a TCP address like ":9100" or a vsock port like "vsock:9100".
	// Metrics aren't served if Listen is empty.
	Listen string `yaml:"listen"`

	// Path defaults to /metrics.
	Path string `yaml:"path"`
}

// parseConfig decodes a configuration file. Unknown keys are an error.
func parseConfig(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("gvnic: parse config: %w", err)
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return &cfg, nil
}

func (c *DeviceConfig) simConfig(log logrus.FieldLogger) (sim.Config, error) {
	cfg := sim.Config{
		MTU:                c.MTU,
		JumboMTU:           c.JumboMTU,
		TxQueueEntries:     c.TxQueueEntries,
		RxQueueEntries:     c.RxQueueEntries,
		MaxTxRingSize:      c.MaxTxRingSize,
		MaxRxRingSize:      c.MaxRxRingSize,
		DefaultNumQueues:   c.DefaultNumQueues,
		Counters:           c.Counters,
		RxPagesPerQPL:      c.RxPagesPerQPL,
		MaxRegisteredPages: c.MaxRegisteredPages,
		Features:           c.Features,
		LinkSpeed:          c.LinkSpeed,
		Latency:            c.Latency,
		Legacy:             c.Legacy,
		Log:                log,
	}

	if c.MAC != "" {
		mac, err := net.ParseMAC(c.MAC)
		if err != nil {
			return sim.Config{}, fmt.Errorf("gvnic: device MAC: %w", err)
		}

		cfg.MAC = mac
	}

	return cfg, nil
}

func (c *DriverConfig) driverConfig(log logrus.FieldLogger) gve.Config {
	return gve.Config{
		RingSize:      c.RingSize,
		NumQueues:     c.NumQueues,
		TxPagesPerQPL: c.TxPagesPerQPL,
		MTU:           c.MTU,
		StatsInterval: c.StatsInterval,
		Log:           log,

		Queue: adminq.Config{
			PollInterval:    c.PollInterval,
			PollAttempts:    c.PollAttempts,
			ReleaseInterval: c.ReleaseInterval,
			ReleaseAttempts: c.ReleaseAttempts,
		},
	}
}

// configLogger applies the logging section to l.
func configLogger(l *logrus.Logger, c LoggingConfig) error {
	level := c.Level
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	l.SetLevel(logLevel)

	timestampFormat := c.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Format) {
	case "", "text":
		f, ok := l.Out.(*os.File)
		l.Formatter = &logrus.TextFormatter{
			ForceColors:      ok && term.IsTerminal(int(f.Fd())),
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}

	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}

	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", c.Format, []string{"text", "json"})
	}

	return nil
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("gvnic: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
