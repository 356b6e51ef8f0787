package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/c35s/gvnic/dma"
	"github.com/c35s/gvnic/gve"
	"github.com/c35s/gvnic/metrics"
	"github.com/c35s/gvnic/sim"
	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {

	var (
		configPath = flag.String("config", "", "load configuration from file or URL")
		dumpPath   = flag.String("dump", "", "write a diagnostic bundle to this file after attaching")
		printVer   = flag.Bool("version", false, "print the version and exit")
	)

	flag.Parse()

	if *printVer {
		fmt.Println(version)
		return
	}

	l := logrus.New()
	l.Out = os.Stderr

	if err := run(l, *configPath, *dumpPath); err != nil {
		l.WithError(err).Fatal("gvnic failed")
	}
}

func run(l *logrus.Logger, configPath, dumpPath string) error {
	var data []byte
	if configPath != "" {
		b, err := readURL(configPath)
		if err != nil {
			return err
		}

		data = b
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return err
	}

	if err := configLogger(l, cfg.Logging); err != nil {
		return err
	}

	space := dma.NewSpace(0, cfg.MemoryLimit)

	simCfg, err := cfg.Device.simConfig(l.WithField("component", "device"))
	if err != nil {
		return err
	}

	dev, err := sim.New(space, simCfg)
	if err != nil {
		return err
	}

	drv, err := gve.Attach(dev, space, cfg.Driver.driverConfig(l.WithField("component", "driver")))
	if err != nil {
		return err
	}

	defer func() {
		if err := drv.Detach(); err != nil {
			l.WithError(err).Error("detach failed")
		}
	}()

	if err := logDevice(l, drv); err != nil {
		return err
	}

	if dumpPath != "" {
		if err := writeDump(drv, dumpPath); err != nil {
			return err
		}

		l.WithField("path", dumpPath).Info("wrote diagnostic bundle")
	}

	if cfg.Metrics.Listen == "" {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serveMetrics(ctx, l, drv, cfg.Metrics)
}

func logDevice(l *logrus.Logger, drv *gve.Driver) error {
	dc, err := drv.Config()
	if err != nil {
		return err
	}

	speed, err := drv.LinkSpeed()
	if err != nil {
		return fmt.Errorf("gvnic: link speed: %w", err)
	}

	l.WithFields(logrus.Fields{
		"mac":          dc.MAC.String(),
		"queue_format": dc.QueueFormat.String(),
		"mtu":          drv.MTU(),
		"max_mtu":      dc.MaxMTU,
		"tx_desc":      dc.TxDescCount,
		"rx_desc":      dc.RxDescCount,
		"queues":       dc.DefaultNumQueues,
		"link_speed":   speed,
	}).Info("device ready")

	return nil
}

func writeDump(drv *gve.Driver, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("gvnic: dump: %w", err)
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	return drv.Dump(f)
}

// serveMetrics serves Prometheus metrics until ctx is done.
func serveMetrics(ctx context.Context, l *logrus.Logger, src metrics.Source, cfg MetricsConfig) error {
	ln, err := listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("gvnic: metrics listener: %w", err)
	}

	reg := metrics.NewRegistry(src, version)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: l}))

	srv := &http.Server{Handler: mux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.WithFields(logrus.Fields{
			"listen": ln.Addr().String(),
			"path":   cfg.Path,
		}).Info("serving metrics")

		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})

	return g.Wait()
}

// listen opens a TCP listener, or a vsock listener for addresses of the
// form vsock:<port>.
func listen(addr string) (net.Listener, error) {
	port, ok := strings.CutPrefix(addr, "vsock:")
	if !ok {
		return net.Listen("tcp", addr)
	}

	n, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("vsock port %q: %w", port, err)
	}

	return vsock.Listen(uint32(n), nil)
}
