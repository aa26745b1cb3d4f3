package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"

	"github.com/alepar/aqnotify/telemetry/gatt"
)

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

type fakeAdvertisement struct {
	ble.Advertisement
	addr        string
	name        string
	connectable bool
	services    []ble.UUID
}

func (a fakeAdvertisement) Addr() ble.Addr { return fakeAddr(a.addr) }
func (a fakeAdvertisement) LocalName() string { return a.name }
func (a fakeAdvertisement) Connectable() bool { return a.connectable }
func (a fakeAdvertisement) Services() []ble.UUID { return a.services }

type fakeClient struct {
	ble.Client
	services     []*ble.Service
	chars        []*ble.Characteristic
	values       map[string][]byte
	readErr      error
	handler      ble.NotificationHandler
	subscribed   chan struct{}
	unsubscribed bool
	disconnected chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		services: []*ble.Service{ble.NewService(gatt.ServiceUUID)},
		chars: []*ble.Characteristic{
			ble.NewCharacteristic(gatt.CO2UUID),
			ble.NewCharacteristic(gatt.TVOCUUID),
		},
		values: map[string][]byte{
			gatt.CO2UUID.String():  {0x90, 0x01},
			gatt.TVOCUUID.String(): {0x32, 0x00},
		},
		subscribed:   make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) DiscoverServices(_ []ble.UUID) ([]*ble.Service, error) {
	return c.services, nil
}

func (c *fakeClient) DiscoverCharacteristics(_ []ble.UUID, _ *ble.Service) ([]*ble.Characteristic, error) {
	return c.chars, nil
}

func (c *fakeClient) DiscoverDescriptors(_ []ble.UUID, _ *ble.Characteristic) ([]*ble.Descriptor, error) {
	return nil, nil
}

func (c *fakeClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.values[ch.UUID.String()], nil
}

func (c *fakeClient) Subscribe(_ *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.handler = h
	close(c.subscribed)
	return nil
}

func (c *fakeClient) Unsubscribe(_ *ble.Characteristic, _ bool) error {
	c.unsubscribed = true
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

func TestAirQualityOnlyFilter(t *testing.T) {
	tests := []struct {
		name string
		ad   fakeAdvertisement
		want bool
	}{
		{name: "aqnotify node", ad: fakeAdvertisement{connectable: true, services: []ble.UUID{gatt.ServiceUUID}}, want: true},
		{name: "among other services", ad: fakeAdvertisement{connectable: true, services: []ble.UUID{ble.UUID16(0x180F), gatt.ServiceUUID}}, want: true},
		{name: "not connectable", ad: fakeAdvertisement{services: []ble.UUID{gatt.ServiceUUID}}, want: false},
		{name: "other device", ad: fakeAdvertisement{connectable: true, services: []ble.UUID{ble.UUID16(0x180F)}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := airQualityOnlyFilter(tt.ad); got != tt.want {
				t.Errorf("airQualityOnlyFilter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDevicesFromAdvertisements(t *testing.T) {
	ads := []ble.Advertisement{
		fakeAdvertisement{addr: "aa:bb:cc:dd:ee:01", name: "Kitchen"},
		fakeAdvertisement{addr: "aa:bb:cc:dd:ee:02", name: "Bedroom"},
	}
	devices := devicesFromAdvertisements(ads, 0, 3)
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	d := devices["aa:bb:cc:dd:ee:01"]
	if d == nil || d.Name != "Kitchen" || d.Retries != 3 || d.Address() != "aa:bb:cc:dd:ee:01" {
		t.Errorf("device = %+v, want Kitchen with 3 retries", d)
	}
}

func TestReadCharacteristics(t *testing.T) {
	got, err := readCharacteristics(newFakeClient())
	if err != nil {
		t.Fatalf("readCharacteristics() error = %v", err)
	}
	if got != (Reading{CO2: 400, TVOC: 50}) {
		t.Errorf("reading = %+v, want co2=400 tvoc=50", got)
	}
}

func TestReadCharacteristics_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *fakeClient)
	}{
		{name: "no service", mutate: func(c *fakeClient) { c.services = nil }},
		{name: "missing tvoc", mutate: func(c *fakeClient) { c.chars = c.chars[:1] }},
		{name: "read fails", mutate: func(c *fakeClient) { c.readErr = errors.New("att timeout") }},
		{name: "short value", mutate: func(c *fakeClient) { c.values[gatt.CO2UUID.String()] = []byte{0x90} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeClient()
			tt.mutate(c)
			if _, err := readCharacteristics(c); err == nil {
				t.Errorf("readCharacteristics() error = nil, want non-nil")
			}
		})
	}
}

func TestWatchNotifications(t *testing.T) {
	c := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())

	readings := make(chan Reading, 4)
	done := make(chan error, 1)
	go func() {
		done <- watchNotifications(ctx, c, func(r Reading) { readings <- r })
	}()

	<-c.subscribed
	c.handler([]byte{0x90, 0x01, 0x32, 0x00})
	c.handler([]byte{0x01}) // dropped
	c.handler([]byte{0x20, 0x03, 0x64, 0x00, 0xFF, 0xFF})

	if r := <-readings; r != (Reading{CO2: 400, TVOC: 50}) {
		t.Errorf("first reading = %+v, want co2=400 tvoc=50", r)
	}
	if r := <-readings; r != (Reading{CO2: 800, TVOC: 100}) {
		t.Errorf("second reading = %+v, want co2=800 tvoc=100", r)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watchNotifications() error = %v, want nil", err)
	}
	if !c.unsubscribed {
		t.Errorf("notifications not unsubscribed")
	}
}

func TestWatchNotifications_Disconnect(t *testing.T) {
	c := newFakeClient()
	done := make(chan error, 1)
	go func() {
		done <- watchNotifications(context.Background(), c, func(Reading) {})
	}()

	<-c.subscribed
	close(c.disconnected)
	if err := <-done; err == nil {
		t.Errorf("watchNotifications() error = nil after disconnect, want non-nil")
	}
}

func TestDevice_RetrySleepsBetweenAttemptsOnly(t *testing.T) {
	tests := []struct {
		name       string
		retries    int
		failures   int
		wantErr    bool
		wantCalls  int
		wantSleeps int
	}{
		{name: "first attempt succeeds", retries: 3, failures: 0, wantCalls: 1, wantSleeps: 0},
		{name: "succeeds on last attempt", retries: 3, failures: 2, wantCalls: 3, wantSleeps: 2},
		{name: "all attempts fail", retries: 3, failures: 3, wantErr: true, wantCalls: 3, wantSleeps: 2},
		{name: "single attempt fails", retries: 1, failures: 1, wantErr: true, wantCalls: 1, wantSleeps: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sleeps []time.Duration
			d := &Device{
				ScanDuration: 5 * time.Second,
				Retries:      tt.retries,
				sleep:        func(d time.Duration) { sleeps = append(sleeps, d) },
			}

			calls := 0
			got, err := d.retry(func() (Reading, error) {
				calls++
				if calls <= tt.failures {
					return Reading{}, errors.New("att timeout")
				}
				return Reading{CO2: 400, TVOC: 50}, nil
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("retry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != (Reading{CO2: 400, TVOC: 50}) {
				t.Errorf("reading = %+v, want co2=400 tvoc=50", got)
			}
			if calls != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", calls, tt.wantCalls)
			}
			if len(sleeps) != tt.wantSleeps {
				t.Errorf("sleeps = %d, want %d", len(sleeps), tt.wantSleeps)
			}
			for _, s := range sleeps {
				if s != 5*time.Second {
					t.Errorf("slept %v, want the scan duration", s)
				}
			}
		})
	}
}
