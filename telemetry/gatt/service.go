// Package gatt exposes a telemetry.Channel as a BLE GATT service.
package gatt

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aqnotify/telemetry"
)

const serviceUuidStr = "c55e4011-c55e-4011-0000-c55e40110001"
const co2CharacteristicUuid = "c55e4011-c55e-4011-0000-c55e40110002"
const tvocCharacteristicUuid = "c55e4011-c55e-4011-0000-c55e40110003"
const configCharacteristicUuid = "c55e4011-c55e-4011-0000-c55e40110004"

var (
	ServiceUUID    = ble.MustParse(serviceUuidStr)
	CO2UUID        = ble.MustParse(co2CharacteristicUuid)
	TVOCUUID       = ble.MustParse(tvocCharacteristicUuid)
	ConfigUUID     = ble.MustParse(configCharacteristicUuid)
	userDescriptor = ble.UUID16(0x2901)
)

// Service routes GATT requests for the CO2, TVOC and (writable variant)
// config characteristics to regions of the channel buffer. Notifications on
// the CO2 characteristic carry the whole frame.
type Service struct {
	channel *telemetry.Channel
}

func New(channel *telemetry.Channel) *Service {
	return &Service{channel: channel}
}

// BLEService builds the go-ble service definition.
func (s *Service) BLEService() *ble.Service {
	svc := ble.NewService(ServiceUUID)

	co2 := svc.NewCharacteristic(CO2UUID)
	co2.HandleRead(s.readHandler(telemetry.RegionCO2))
	co2.HandleNotify(ble.NotifyHandlerFunc(s.handleSubscribe))
	co2.NewDescriptor(userDescriptor).SetValue([]byte("eCO2 ppm"))

	tvoc := svc.NewCharacteristic(TVOCUUID)
	tvoc.HandleRead(s.readHandler(telemetry.RegionTVOC))
	tvoc.NewDescriptor(userDescriptor).SetValue([]byte("eTVOC ppb"))

	if s.channel.Writable() {
		co2.HandleWrite(s.writeHandler(telemetry.RegionCO2))
		tvoc.HandleWrite(s.writeHandler(telemetry.RegionTVOC))

		cfg := svc.NewCharacteristic(ConfigUUID)
		cfg.HandleRead(s.readHandler(telemetry.RegionConfig))
		cfg.HandleWrite(s.writeHandler(telemetry.RegionConfig))
		cfg.NewDescriptor(userDescriptor).SetValue([]byte("config"))
	}

	return svc
}

// Serve registers the service on the default device and advertises it until
// ctx is done.
func (s *Service) Serve(ctx context.Context, name string) error {
	if err := ble.AddService(s.BLEService()); err != nil {
		return errors.Wrap(err, "couldn't add air quality service")
	}

	log.WithFields(log.Fields{"name": name, "service": ServiceUUID.String()}).Info("advertising air quality service")
	err := ble.AdvertiseNameAndServices(ctx, name, ServiceUUID)
	switch errors.Cause(err) {
	case nil:
	case context.DeadlineExceeded:
	case context.Canceled:
	default:
		return errors.Wrap(err, "advertising failed")
	}
	return nil
}

func (s *Service) readHandler(r telemetry.Region) ble.ReadHandler {
	return ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		data, status := s.serveRead(r, req.Offset(), rsp.Cap())
		if status != ble.ErrSuccess {
			log.WithFields(log.Fields{"peer": peerID(req), "offset": req.Offset()}).Debugf("read rejected: %s", status)
			rsp.SetStatus(status)
			return
		}
		_, _ = rsp.Write(data)
	})
}

func (s *Service) writeHandler(r telemetry.Region) ble.WriteHandler {
	return ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		status := s.serveWrite(r, req.Offset(), req.Data())
		fields := log.Fields{"peer": peerID(req), "offset": req.Offset(), "len": len(req.Data())}
		if status != ble.ErrSuccess {
			log.WithFields(fields).Debugf("write rejected: %s", status)
			rsp.SetStatus(status)
			return
		}
		log.WithFields(fields).Info("peer wrote buffer")
	})
}

// serveRead returns at most capacity bytes of r starting at offset, which is
// relative to the region. Reading exactly at the end yields no bytes.
func (s *Service) serveRead(r telemetry.Region, offset, capacity int) ([]byte, ble.ATTError) {
	if offset < 0 || offset > r.Len {
		return nil, ble.ErrInvalidOffset
	}
	n := r.Len - offset
	if capacity < n {
		n = capacity
	}
	if n <= 0 {
		return []byte{}, ble.ErrSuccess
	}
	data, err := s.channel.Read(r.Offset+offset, n)
	if err != nil {
		return nil, attError(err)
	}
	return data, ble.ErrSuccess
}

func (s *Service) serveWrite(r telemetry.Region, offset int, data []byte) ble.ATTError {
	if offset < 0 || offset+len(data) > r.Len {
		return ble.ErrInvalidOffset
	}
	if err := s.channel.Write(r.Offset+offset, data); err != nil {
		return attError(err)
	}
	return ble.ErrSuccess
}

func attError(err error) ble.ATTError {
	switch errors.Cause(err) {
	case telemetry.ErrInvalidOffset:
		return ble.ErrInvalidOffset
	case telemetry.ErrWriteNotPermitted:
		return ble.ErrWriteNotPerm
	}
	return ble.ErrUnlikely
}

// handleSubscribe runs for as long as the peer keeps notifications enabled.
func (s *Service) handleSubscribe(req ble.Request, n ble.Notifier) {
	peer := peerID(req) + "/co2"
	s.channel.Subscribe(peer, notifierSink{n})
	<-n.Context().Done()
	s.channel.Unsubscribe(peer)
}

type notifierSink struct {
	n ble.Notifier
}

func (ns notifierSink) Notify(data []byte) error {
	if c := ns.n.Cap(); c > 0 && len(data) > c {
		data = data[:c]
	}
	_, err := ns.n.Write(data)
	return errors.Wrap(err, "couldn't write notification")
}

func peerID(req ble.Request) string {
	if c := req.Conn(); c != nil && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return "unknown"
}
