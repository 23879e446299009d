package mirror

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/internal/geo"
	"github.com/musthaq16/vehicle-route-simulator/types"
)

const (
	codec8     = 0x08
	loginAck   = 0x01
	satellites = 10
	ioTimeout  = 10 * time.Second
)

// Teltonika emulates one FMxxx tracker per vehicle: a TCP connection that
// logs in with the vehicle's IMEI and sends a Codec 8 AVL packet per position.
type Teltonika struct {
	address string
	dialer  net.Dialer
	now     func() time.Time

	mu       sync.Mutex
	imeis    map[string]string
	sessions map[string]*trackerSession
}

type trackerSession struct {
	mu       sync.Mutex
	conn     net.Conn
	imei     string
	last     types.Coordinate
	lastTime time.Time
}

// NewTeltonika returns a sink for the tracking server at address. imeis maps
// vehicle ids to their 15 digit IMEI; connections are opened lazily.
func NewTeltonika(address string, imeis map[string]string) *Teltonika {
	t := &Teltonika{
		address:  address,
		imeis:    make(map[string]string, len(imeis)),
		now:      time.Now,
		sessions: make(map[string]*trackerSession),
	}
	for id, imei := range imeis {
		t.imeis[id] = imei
	}
	return t
}

// Register adds or replaces the IMEI of a vehicle. An open session keeps
// its IMEI until it reconnects.
func (t *Teltonika) Register(vehicleID, imei string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.imeis[vehicleID] = imei
}

func (t *Teltonika) Name() string { return "teltonika" }

func (t *Teltonika) Send(ctx context.Context, f types.Feature) error {
	vehicleID := f.VehicleID()

	t.mu.Lock()
	imei, ok := t.imeis[vehicleID]
	if !ok {
		t.mu.Unlock()
		return errors.Errorf("no imei for vehicle %q", vehicleID)
	}
	s, ok := t.sessions[vehicleID]
	if !ok {
		s = &trackerSession{imei: imei}
		t.sessions[vehicleID] = s
	}
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if err := t.login(ctx, s); err != nil {
			return err
		}
	}
	if err := t.sendPosition(s, f.Geometry.Coordinate()); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (t *Teltonika) login(ctx context.Context, s *trackerSession) error {
	loginPacket, err := createLoginPacket(s.imei)
	if err != nil {
		return err
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return errors.Wrap(err, "tracker connection failed")
	}
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))
	if _, err := conn.Write(loginPacket); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "login packet send failed")
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "login ack")
	}
	if ack[0] != loginAck {
		_ = conn.Close()
		return errors.Errorf("login for imei %s declined", s.imei)
	}
	slog.Debug("tracker logged in", "imei", s.imei, "addr", t.address)
	s.conn = conn
	s.lastTime = time.Time{}
	return nil
}

func (t *Teltonika) sendPosition(s *trackerSession, c types.Coordinate) error {
	now := t.now()
	var angle, speed uint16
	if !s.lastTime.IsZero() {
		angle = uint16(math.Round(geo.Bearing(s.last, c))) % 360
		if hours := now.Sub(s.lastTime).Hours(); hours > 0 {
			speed = uint16(math.Min(geo.HaversineKM(s.last, c)/hours, math.MaxUint16))
		}
	}

	_ = s.conn.SetDeadline(time.Now().Add(ioTimeout))
	if _, err := s.conn.Write(encodeAVL(now, c, angle, speed)); err != nil {
		return errors.Wrap(err, "position packet send failed")
	}
	ack := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, ack); err != nil {
		return errors.Wrap(err, "position ack")
	}
	if n := binary.BigEndian.Uint32(ack); n != 1 {
		return errors.Errorf("server accepted %d of 1 records", n)
	}
	s.last, s.lastTime = c, now
	return nil
}

func (t *Teltonika) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for id, s := range t.sessions {
		s.mu.Lock()
		if s.conn != nil {
			if cerr := s.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
			s.conn = nil
		}
		s.mu.Unlock()
		delete(t.sessions, id)
	}
	return err
}

// createLoginPacket builds 0x000F followed by the ASCII IMEI.
func createLoginPacket(imei string) ([]byte, error) {
	if len(imei) != 15 {
		return nil, errors.New("IMEI must be 15 digits")
	}
	packet := make([]byte, 2, 2+15)
	binary.BigEndian.PutUint16(packet, 15)
	return append(packet, imei...), nil
}

// encodeAVL builds a Codec 8 packet carrying one GPS record and no IO
// elements: preamble, data length, data, CRC.
func encodeAVL(ts time.Time, c types.Coordinate, angle, speed uint16) []byte {
	data := []byte{codec8, 1}
	data = binary.BigEndian.AppendUint64(data, uint64(ts.UnixMilli()))
	data = append(data, 0) // priority
	data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(c.Lon*1e7))))
	data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(c.Lat*1e7))))
	data = binary.BigEndian.AppendUint16(data, 0) // altitude
	data = binary.BigEndian.AppendUint16(data, angle)
	data = append(data, satellites)
	data = binary.BigEndian.AppendUint16(data, speed)
	data = append(data, 0, 0, 0, 0, 0, 0) // event io, total io, n1, n2, n4, n8
	data = append(data, 1)

	packet := make([]byte, 0, 8+len(data)+4)
	packet = binary.BigEndian.AppendUint32(packet, 0)
	packet = binary.BigEndian.AppendUint32(packet, uint32(len(data)))
	packet = append(packet, data...)
	return binary.BigEndian.AppendUint32(packet, uint32(crc16IBM(data)))
}

// crc16IBM is CRC-16/ARC: reflected polynomial 0xA001, initial value 0.
func crc16IBM(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
