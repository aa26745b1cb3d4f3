package telemetry

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Buffer sizes of the two channel variants.
const (
	ReadOnlySize = FrameSize
	WritableSize = 10
)

var (
	ErrInvalidOffset     = errors.New("invalid offset")
	ErrWriteNotPermitted = errors.New("write not permitted")
)

// State of the subscription table.
type State int

const (
	Idle State = iota
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "idle"
}

// Sink receives notification pushes for one subscribed peer. data is shared
// between sinks and must not be modified or retained.
type Sink interface {
	Notify(data []byte) error
}

type ChannelOptions struct {
	// Size of the shared buffer; ReadOnlySize when zero.
	Size     int
	Writable bool
	Metrics  *Metrics
}

// Channel owns the encoded buffer shared by the poll loop, the notify loop
// and transport callbacks.
type Channel struct {
	mu       sync.RWMutex
	buf      []byte
	writable bool
	pending  bool

	subMu sync.Mutex
	subs  map[string]Sink

	metrics *Metrics
}

func NewChannel(opts ChannelOptions) (*Channel, error) {
	size := opts.Size
	if size == 0 {
		size = ReadOnlySize
	}
	if size < FrameSize {
		return nil, errors.Errorf("buffer size %d is smaller than a frame (%d)", size, FrameSize)
	}
	return &Channel{
		buf:      make([]byte, size),
		writable: opts.Writable,
		subs:     map[string]Sink{},
		metrics:  opts.Metrics,
	}, nil
}

func (c *Channel) Len() int {
	return len(c.buf)
}

func (c *Channel) Writable() bool {
	return c.writable
}

// Read returns a copy of length bytes at offset. The whole range must lie
// inside the buffer.
func (c *Channel) Read(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset >= len(c.buf) || length > len(c.buf)-offset {
		c.metrics.observeAccessError("read")
		return nil, ErrInvalidOffset
	}
	out := make([]byte, length)
	c.mu.RLock()
	copy(out, c.buf[offset:offset+length])
	c.mu.RUnlock()
	return out, nil
}

// Write overwrites len(data) bytes at offset and marks a pending update.
func (c *Channel) Write(offset int, data []byte) error {
	if !c.writable {
		c.metrics.observeAccessError("write")
		return ErrWriteNotPermitted
	}
	if offset < 0 || offset > len(c.buf) || len(data) > len(c.buf)-offset {
		c.metrics.observeAccessError("write")
		return ErrInvalidOffset
	}
	c.mu.Lock()
	copy(c.buf[offset:], data)
	c.pending = true
	c.mu.Unlock()
	return nil
}

// TakePendingUpdate reports whether a peer wrote since the last call.
func (c *Channel) TakePendingUpdate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = false
	return p
}

// Store replaces the frame bytes. It does not notify.
func (c *Channel) Store(f Frame) {
	c.mu.Lock()
	copy(c.buf, f[:])
	c.mu.Unlock()
}

// Snapshot returns a copy of the whole buffer.
func (c *Channel) Snapshot() []byte {
	out := make([]byte, len(c.buf))
	c.mu.RLock()
	copy(out, c.buf)
	c.mu.RUnlock()
	return out
}

func (c *Channel) Frame() Frame {
	var f Frame
	c.mu.RLock()
	copy(f[:], c.buf)
	c.mu.RUnlock()
	return f
}

// Subscribe enables notifications for peer. Subscribing again replaces the
// sink.
func (c *Channel) Subscribe(peer string, sink Sink) {
	c.subMu.Lock()
	_, existed := c.subs[peer]
	c.subs[peer] = sink
	n := len(c.subs)
	c.subMu.Unlock()

	c.metrics.setSubscribers(n)
	if !existed {
		log.WithFields(log.Fields{"peer": peer, "subscribers": n}).Info("peer subscribed")
	}
}

func (c *Channel) Unsubscribe(peer string) {
	c.subMu.Lock()
	_, existed := c.subs[peer]
	delete(c.subs, peer)
	n := len(c.subs)
	c.subMu.Unlock()

	c.metrics.setSubscribers(n)
	if existed {
		log.WithFields(log.Fields{"peer": peer, "subscribers": n}).Info("peer unsubscribed")
	}
}

func (c *Channel) State() State {
	if c.Subscribers() > 0 {
		return Subscribed
	}
	return Idle
}

func (c *Channel) Subscribers() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

// Notify pushes the current buffer to every subscribed peer. It returns false
// without touching any sink when nobody is subscribed.
func (c *Channel) Notify() bool {
	type target struct {
		peer string
		sink Sink
	}
	c.subMu.Lock()
	targets := make([]target, 0, len(c.subs))
	for peer, sink := range c.subs {
		targets = append(targets, target{peer, sink})
	}
	c.subMu.Unlock()

	if len(targets) == 0 {
		return false
	}

	data := c.Snapshot()
	for _, t := range targets {
		if err := t.sink.Notify(data); err != nil {
			log.WithField("peer", t.peer).Warnf("notify failed: %s", err)
		}
	}
	c.metrics.observeNotify()
	return true
}
