package telemetry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultNotifyInterval = 1000 * time.Millisecond

// NotifyLoop pushes the channel buffer to subscribers on a fixed interval,
// independently of the poll loop.
type NotifyLoop struct {
	channel  *Channel
	interval time.Duration
}

func NewNotifyLoop(channel *Channel, interval time.Duration) *NotifyLoop {
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	return &NotifyLoop{channel: channel, interval: interval}
}

// Run returns when ctx is done.
func (n *NotifyLoop) Run(ctx context.Context) error {
	log.WithField("interval", n.interval).Info("notify loop started")
	return every(ctx, n.interval, false, n.tick)
}

func (n *NotifyLoop) tick() error {
	if n.channel.TakePendingUpdate() {
		n.channel.metrics.observeEvent("peer_write")
		log.WithField("buffer", fmt.Sprintf("% X", n.channel.Snapshot())).Info("buffer updated by peer")
	}
	n.channel.Notify()
	return nil
}
