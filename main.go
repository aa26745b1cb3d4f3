package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/alepar/aqnotify/airquality"
	"github.com/alepar/aqnotify/airquality/ccs811"
	"github.com/alepar/aqnotify/airquality/sim"
	"github.com/alepar/aqnotify/config"
	"github.com/alepar/aqnotify/telemetry"
	"github.com/alepar/aqnotify/telemetry/gatt"
	"github.com/alepar/aqnotify/telemetry/mqttbridge"
)

const program = "aqnotify"

func main() {
	cfg, err := config.Load(program, os.Args[1:])
	if err == flag.ErrHelp {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version.Print(program))
		return
	}

	closeLog := setupLogging(cfg.Log)
	defer closeLog()

	log.WithField("build", version.BuildContext()).Infof("starting %s %s", program, version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		log.Fatalf("%s failed: %s", program, err)
	}
	log.Info("shut down")
}

// setupLogging configures the package-level logger. The returned func closes
// the log file, if any.
func setupLogging(c config.LogConfig) func() {
	if level, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(level)
	}

	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	if c.File == "" {
		log.SetOutput(os.Stderr)
		return func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return func() { _ = rotator.Close() }
}

// openDriver returns the configured sensor driver, whether stale-data events
// should be ignored for it, and a func releasing the bus.
func openDriver(c config.SensorConfig) (airquality.Driver, bool, func(), error) {
	if c.Driver == "sim" {
		return sim.New(), false, func() {}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, false, nil, errors.Wrap(err, "couldn't initialize periph host")
	}
	bus, err := i2creg.Open(c.Bus)
	if err != nil {
		return nil, false, nil, errors.Wrapf(err, "couldn't open i2c bus %q", c.Bus)
	}
	dev := ccs811.NewI2C(bus, c.Address)
	return dev, !dev.StaleGated(), func() { _ = bus.Close() }, nil
}

func newHandler(gatherer prometheus.Gatherer, health *telemetry.Health) http.Handler {
	mux := http.NewServeMux()
	// Expose the registered metrics via HTTP.
	mux.Handle("/metrics", promhttp.HandlerFor(
		gatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	))
	mux.Handle("/healthz", health)
	return mux
}

// run wires the pipeline and blocks until ctx is done. A fatal sensor failure
// stops polling only; transports keep serving the last buffer.
func run(ctx context.Context, cfg config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	metrics := telemetry.NewMetrics(reg)
	// Add Go module build info.
	reg.MustRegister(prometheus.NewBuildInfoCollector())

	drv, ignoreStale, closeBus, err := openDriver(cfg.Sensor)
	if err != nil {
		return err
	}
	defer closeBus()

	size := telemetry.ReadOnlySize
	if cfg.BLE.Writable {
		size = telemetry.WritableSize
	}
	channel, err := telemetry.NewChannel(telemetry.ChannelOptions{
		Size:     size,
		Writable: cfg.BLE.Writable,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	if cfg.BLE.Enabled {
		stopBLE, err := gatt.OpenDevice()
		if err != nil {
			return err
		}
		defer func() {
			if err := stopBLE(); err != nil {
				log.Warnf("failed to stop ble: %s", err)
			}
		}()
	}

	health := telemetry.NewHealth()
	poll := telemetry.NewPollLoop(airquality.NewSource(drv), channel, telemetry.PollOptions{
		Interval:    cfg.Sensor.PollInterval,
		IgnoreStale: ignoreStale,
		Health:      health,
		Metrics:     metrics,
	})
	notify := telemetry.NewNotifyLoop(channel, cfg.BLE.NotifyInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := poll.Run(gctx); err != nil && gctx.Err() == nil {
			log.Errorf("polling stopped, serving last reading: %s", err)
		}
		return nil
	})
	g.Go(func() error {
		_ = notify.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddress,
		Handler:           newHandler(gatherer, health),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.WithField("address", cfg.HTTP.ListenAddress).Info("serving http")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.BLE.Enabled {
		svc := gatt.New(channel)
		g.Go(func() error {
			return svc.Serve(gctx, cfg.BLE.DeviceName)
		})
	}

	if cfg.MQTT.Enabled {
		bridge := mqttbridge.New(mqttbridge.Options{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		}, channel)
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && gctx.Err() == nil {
				log.Errorf("mqtt mirror stopped: %s", err)
			}
			return nil
		})
	}

	return g.Wait()
}
