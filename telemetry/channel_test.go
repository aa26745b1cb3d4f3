package telemetry

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	pushes [][]byte
	err    error
}

func (r *recordingSink) Notify(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, append([]byte(nil), data...))
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

func mustChannel(t *testing.T, opts ChannelOptions) *Channel {
	t.Helper()
	c, err := NewChannel(opts)
	if err != nil {
		t.Fatalf("NewChannel(%+v) error = %v", opts, err)
	}
	return c
}

func TestNewChannel_Sizes(t *testing.T) {
	if c := mustChannel(t, ChannelOptions{}); c.Len() != ReadOnlySize {
		t.Errorf("default Len() = %d, want %d", c.Len(), ReadOnlySize)
	}
	if c := mustChannel(t, ChannelOptions{Size: WritableSize, Writable: true}); c.Len() != WritableSize {
		t.Errorf("writable Len() = %d, want %d", c.Len(), WritableSize)
	}
	if _, err := NewChannel(ChannelOptions{Size: 3}); err == nil {
		t.Errorf("NewChannel(Size: 3) error = nil, want non-nil")
	}
}

func TestChannel_ReadBounds(t *testing.T) {
	c := mustChannel(t, ChannelOptions{})
	c.Store(Frame{0x90, 0x01, 0x32, 0x00})

	tests := []struct {
		name    string
		offset  int
		length  int
		want    []byte
		wantErr bool
	}{
		{name: "whole buffer", offset: 0, length: 4, want: []byte{0x90, 0x01, 0x32, 0x00}},
		{name: "co2 half", offset: 0, length: 2, want: []byte{0x90, 0x01}},
		{name: "tvoc half", offset: 2, length: 2, want: []byte{0x32, 0x00}},
		{name: "last byte", offset: 3, length: 1, want: []byte{0x00}},
		{name: "zero length", offset: 1, length: 0, want: []byte{}},
		{name: "past end", offset: 3, length: 2, wantErr: true},
		{name: "offset equals length", offset: 4, length: 1, wantErr: true},
		{name: "offset equals length empty", offset: 4, length: 0, wantErr: true},
		{name: "offset beyond", offset: 9, length: 1, wantErr: true},
		{name: "negative offset", offset: -1, length: 1, wantErr: true},
		{name: "negative length", offset: 0, length: -1, wantErr: true},
		{name: "length overflows int", offset: 1, length: math.MaxInt, wantErr: true},
		{name: "offset and length overflow int", offset: 3, length: math.MaxInt - 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Read(tt.offset, tt.length)
			if tt.wantErr {
				if errors.Cause(err) != ErrInvalidOffset {
					t.Fatalf("Read(%d, %d) error = %v, want ErrInvalidOffset", tt.offset, tt.length, err)
				}
				if got != nil {
					t.Errorf("Read(%d, %d) = % X, want nil", tt.offset, tt.length, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read(%d, %d) error = %v", tt.offset, tt.length, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Read(%d, %d) = % X, want % X", tt.offset, tt.length, got, tt.want)
			}
		})
	}
}

func TestChannel_ReadExhaustive(t *testing.T) {
	c := mustChannel(t, ChannelOptions{})
	for off := 0; off <= c.Len()+1; off++ {
		for n := 0; n <= c.Len()+1; n++ {
			got, err := c.Read(off, n)
			if off >= c.Len() || off+n > c.Len() {
				if err != ErrInvalidOffset {
					t.Errorf("Read(%d, %d) error = %v, want ErrInvalidOffset", off, n, err)
				}
				continue
			}
			if err != nil || len(got) != n {
				t.Errorf("Read(%d, %d) = %d bytes, %v", off, n, len(got), err)
			}
		}
	}
}

func TestChannel_ReadReturnsCopy(t *testing.T) {
	c := mustChannel(t, ChannelOptions{})
	c.Store(Frame{1, 2, 3, 4})
	got, _ := c.Read(0, 4)
	got[0] = 0xAA
	if f := c.Frame(); f[0] != 1 {
		t.Errorf("buffer changed through Read() result: % X", f[:])
	}
}

func TestChannel_Write(t *testing.T) {
	t.Run("read-only variant rejects", func(t *testing.T) {
		c := mustChannel(t, ChannelOptions{})
		if err := c.Write(0, []byte{1}); err != ErrWriteNotPermitted {
			t.Errorf("Write() error = %v, want ErrWriteNotPermitted", err)
		}
	})

	t.Run("overflowing write against 4 bytes", func(t *testing.T) {
		c := mustChannel(t, ChannelOptions{Size: 4, Writable: true})
		c.Store(Frame{1, 2, 3, 4})
		err := c.Write(0, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
		if err != ErrInvalidOffset {
			t.Fatalf("Write() error = %v, want ErrInvalidOffset", err)
		}
		if got := c.Snapshot(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
			t.Errorf("buffer = % X after rejected write", got)
		}
		if c.TakePendingUpdate() {
			t.Errorf("TakePendingUpdate() = true after rejected write")
		}
	})

	t.Run("offset overflows int", func(t *testing.T) {
		c := mustChannel(t, ChannelOptions{Size: WritableSize, Writable: true})
		if err := c.Write(math.MaxInt, []byte{0xFF}); err != ErrInvalidOffset {
			t.Fatalf("Write() error = %v, want ErrInvalidOffset", err)
		}
		if c.TakePendingUpdate() {
			t.Errorf("TakePendingUpdate() = true after rejected write")
		}
	})

	t.Run("in range write sets pending", func(t *testing.T) {
		c := mustChannel(t, ChannelOptions{Size: WritableSize, Writable: true})
		if err := c.Write(RegionConfig.Offset, []byte{0xAB, 0xCD}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, _ := c.Read(RegionConfig.Offset, 2)
		if !bytes.Equal(got, []byte{0xAB, 0xCD}) {
			t.Errorf("Read() = % X, want AB CD", got)
		}
		if !c.TakePendingUpdate() {
			t.Errorf("TakePendingUpdate() = false, want true")
		}
		if c.TakePendingUpdate() {
			t.Errorf("TakePendingUpdate() = true on second call, want false")
		}
	})

	t.Run("write ending at the last byte", func(t *testing.T) {
		c := mustChannel(t, ChannelOptions{Size: WritableSize, Writable: true})
		if err := c.Write(WritableSize-1, []byte{1}); err != nil {
			t.Errorf("Write(last byte) error = %v", err)
		}
		if err := c.Write(WritableSize, []byte{1}); err != ErrInvalidOffset {
			t.Errorf("Write(past end) error = %v, want ErrInvalidOffset", err)
		}
	})
}

func TestChannel_StoreKeepsConfigArea(t *testing.T) {
	c := mustChannel(t, ChannelOptions{Size: WritableSize, Writable: true})
	if err := c.Write(RegionConfig.Offset, []byte{9, 9, 9, 9, 9, 9}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	c.Store(Frame{1, 2, 3, 4})
	want := []byte{1, 2, 3, 4, 9, 9, 9, 9, 9, 9}
	if got := c.Snapshot(); !bytes.Equal(got, want) {
		t.Errorf("Snapshot() = % X, want % X", got, want)
	}
}

func TestChannel_NotifyGating(t *testing.T) {
	c := mustChannel(t, ChannelOptions{})
	c.Store(Frame{0x90, 0x01, 0x32, 0x00})
	sink := &recordingSink{}

	if c.State() != Idle {
		t.Fatalf("State() = %v, want idle", c.State())
	}
	if c.Notify() {
		t.Errorf("Notify() = true with no subscribers")
	}

	c.Subscribe("peer-a", sink)
	c.Subscribe("peer-a", sink)
	if c.State() != Subscribed || c.Subscribers() != 1 {
		t.Fatalf("State() = %v Subscribers() = %d, want subscribed 1", c.State(), c.Subscribers())
	}
	if !c.Notify() {
		t.Fatalf("Notify() = false, want true")
	}
	if !c.Notify() {
		t.Fatalf("second Notify() = false, want true")
	}
	if sink.count() != 2 {
		t.Fatalf("pushes = %d, want 2", sink.count())
	}
	for _, p := range sink.pushes {
		if !bytes.Equal(p, []byte{0x90, 0x01, 0x32, 0x00}) {
			t.Errorf("pushed % X, want 90 01 32 00", p)
		}
	}

	c.Unsubscribe("peer-a")
	if c.State() != Idle {
		t.Errorf("State() = %v after unsubscribe, want idle", c.State())
	}
	c.Store(Frame{1, 1, 1, 1})
	if c.Notify() {
		t.Errorf("Notify() = true after unsubscribe")
	}
	if sink.count() != 2 {
		t.Errorf("pushes = %d after unsubscribe, want 2", sink.count())
	}
}

func TestChannel_NotifyFanOut(t *testing.T) {
	c := mustChannel(t, ChannelOptions{})
	a, b := &recordingSink{}, &recordingSink{err: errors.New("link lost")}
	c.Subscribe("a", a)
	c.Subscribe("b", b)

	if !c.Notify() {
		t.Fatalf("Notify() = false, want true")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("pushes = %d, %d, want 1, 1", a.count(), b.count())
	}

	c.Unsubscribe("b")
	if c.State() != Subscribed {
		t.Errorf("State() = %v with one peer left, want subscribed", c.State())
	}
}

func TestChannel_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	c := mustChannel(t, ChannelOptions{Metrics: m})
	c.Subscribe("a", &recordingSink{})
	c.Notify()
	_, _ = c.Read(8, 1)
	_ = c.Write(0, []byte{1})

	if got := testutil.ToFloat64(m.subscribers); got != 1 {
		t.Errorf("subscribers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.notifications); got != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.accessErrors.WithLabelValues("read")); got != 1 {
		t.Errorf("read access errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.accessErrors.WithLabelValues("write")); got != 1 {
		t.Errorf("write access errors = %v, want 1", got)
	}
}

func TestChannel_StoreReadAtomic(t *testing.T) {
	c := mustChannel(t, ChannelOptions{})
	zeros := Frame{}
	ones := Frame{0xFF, 0xFF, 0xFF, 0xFF}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				c.Store(ones)
			} else {
				c.Store(zeros)
			}
		}
	}()

	var mixed int
	var readers sync.WaitGroup
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 5000; i++ {
				b, err := c.Read(0, FrameSize)
				if err != nil {
					t.Errorf("Read() error = %v", err)
					return
				}
				if !bytes.Equal(b, zeros[:]) && !bytes.Equal(b, ones[:]) {
					mu.Lock()
					mixed++
					mu.Unlock()
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	wg.Wait()

	if mixed != 0 {
		t.Errorf("%d reads mixed bytes from two stores", mixed)
	}
}
