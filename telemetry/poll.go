package telemetry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aqnotify/airquality"
)

const DefaultPollInterval = 1000 * time.Millisecond

type PollOptions struct {
	Interval time.Duration
	// IgnoreStale suppresses stale-data events, for firmware that does not
	// maintain DATA_READY.
	IgnoreStale bool
	Health      *Health
	Metrics     *Metrics
}

// PollLoop samples the source once per interval and stores the encoded
// reading in the channel.
type PollLoop struct {
	source  airquality.Source
	channel *Channel
	opts    PollOptions
}

func NewPollLoop(source airquality.Source, channel *Channel, opts PollOptions) *PollLoop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Health == nil {
		opts.Health = NewHealth()
	}
	return &PollLoop{source: source, channel: channel, opts: opts}
}

// Poll runs a single cycle. Only fatal sensor errors are returned.
func (p *PollLoop) Poll() error {
	s, err := p.source.Sample()
	if err != nil {
		kind := airquality.KindOf(err)
		p.opts.Metrics.observeFailure(kind)
		fields := log.Fields{"kind": kind, "class": kind.Class()}

		switch kind.Class() {
		case airquality.Transient:
			log.WithFields(fields).Debugf("timed fetch got stale data: %s", err)
			return nil
		case airquality.Fatal:
			log.WithFields(fields).Errorf("timed fetch failed, polling stops: %s", err)
			return errors.Wrap(err, "sensor unusable")
		default:
			log.WithFields(fields).Warnf("timed fetch failed: %s", err)
			return nil
		}
	}

	p.channel.Store(Encode(s))
	p.opts.Metrics.observeSample(s)

	log.WithFields(log.Fields{
		"co2_ppm":  s.CO2,
		"tvoc_ppb": s.TVOC,
		"voltage":  s.Supply.Voltage.String(),
		"current":  s.Supply.Current.String(),
	}).Debug("timed fetch")

	if s.Stale() && !p.opts.IgnoreStale {
		p.opts.Metrics.observeEvent("stale")
		log.WithField("status", s.Status).Info("sensor reported stale data")
	}
	if s.Faulted() {
		p.opts.Metrics.observeEvent("error")
		log.WithFields(log.Fields{"status": s.Status, "error_code": s.ErrorCode}).Warnf("sensor error bit set: %02x", s.ErrorCode)
	}
	return nil
}

// Run polls until ctx is done or the sensor fails fatally. A fatal failure
// marks Health as failed.
func (p *PollLoop) Run(ctx context.Context) error {
	log.WithField("interval", p.opts.Interval).Info("poll loop started")
	p.opts.Health.MarkRunning()
	p.opts.Metrics.setPollUp(true)

	err := every(ctx, p.opts.Interval, true, p.Poll)
	if ctx.Err() == nil && err != nil {
		p.opts.Health.MarkFailed(err.Error())
		p.opts.Metrics.setPollUp(false)
	}
	return err
}
