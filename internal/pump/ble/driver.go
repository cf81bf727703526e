// Package ble implements the pump driver over Bluetooth Low Energy. The
// pump exposes a primary service with a command characteristic (write), an
// ack characteristic (notify) and a status characteristic (read).
package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/pump"
)

// Command opcodes on the wire.
const (
	opTempBasal  = 0x01
	opBolus      = 0x02
	opCancelTemp = 0x03
)

const ackOK = 0x00

var (
	serviceUUID = mustUUID("0000f0ba-0000-1000-8000-00805f9b34fb")
	commandUUID = mustUUID("0000f0bb-0000-1000-8000-00805f9b34fb")
	ackUUID     = mustUUID("0000f0bc-0000-1000-8000-00805f9b34fb")
	statusUUID  = mustUUID("0000f0bd-0000-1000-8000-00805f9b34fb")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Driver talks to a BLE pump. Commands carry a sequence number echoed in the
// ack notification, so a retried connect never double-counts a delivery.
type Driver struct {
	log        *logger.Logger
	deviceName string
	adapter    *bluetooth.Adapter

	mu      sync.Mutex
	device  *bluetooth.Device
	command bluetooth.DeviceCharacteristic
	status  bluetooth.DeviceCharacteristic
	seq     uint16
	acks    chan ackFrame

	basalIncrement float64
	bolusIncrement float64
}

type ackFrame struct {
	seq    uint16
	opcode byte
	code   byte
}

// NewDriver enables the adapter, scans for the named pump and connects.
func NewDriver(ctx context.Context, log *logger.Logger, deviceName string, scanTimeout time.Duration) (*Driver, error) {
	d := &Driver{
		log:            log,
		deviceName:     deviceName,
		adapter:        bluetooth.DefaultAdapter,
		acks:           make(chan ackFrame, 8),
		basalIncrement: 0.05,
		bolusIncrement: 0.05,
	}
	if err := d.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	if err := d.connect(ctx, scanTimeout); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) connect(ctx context.Context, scanTimeout time.Duration) error {
	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- d.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.LocalName() != d.deviceName && !result.HasServiceUUID(serviceUUID) {
				return
			}
			adapter.StopScan()
			select {
			case found <- result.Address:
			default:
			}
		})
	}()

	var addr bluetooth.Address
	select {
	case addr = <-found:
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("ble scan: %w", err)
		}
		return errors.New("scan stopped before pump was found")
	case <-time.After(scanTimeout):
		d.adapter.StopScan()
		return fmt.Errorf("pump %q not found within %s", d.deviceName, scanTimeout)
	case <-ctx.Done():
		d.adapter.StopScan()
		return ctx.Err()
	}

	d.log.Info("pump found, connecting", "device", d.deviceName)
	device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect to pump: %w", err)
	}

	srvs, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(srvs) == 0 {
		device.Disconnect()
		return fmt.Errorf("discover pump service: %w", err)
	}
	chars, err := srvs[0].DiscoverCharacteristics([]bluetooth.UUID{commandUUID, ackUUID, statusUUID})
	if err != nil || len(chars) < 3 {
		device.Disconnect()
		return fmt.Errorf("discover pump characteristics: %w", err)
	}

	d.mu.Lock()
	d.device = &device
	for _, c := range chars {
		switch c.UUID() {
		case commandUUID:
			d.command = c
		case statusUUID:
			d.status = c
		case ackUUID:
			err = c.EnableNotifications(d.onAck)
		}
	}
	d.mu.Unlock()
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("enable ack notifications: %w", err)
	}

	d.log.Info("pump connected", "device", d.deviceName)
	return nil
}

func (d *Driver) onAck(buf []byte) {
	if len(buf) < 4 {
		return
	}
	frame := ackFrame{
		seq:    binary.LittleEndian.Uint16(buf[0:2]),
		opcode: buf[2],
		code:   buf[3],
	}
	select {
	case d.acks <- frame:
	default:
		d.log.Warn("ack channel full, dropping frame", "seq", frame.seq)
	}
}

// SendTempBasal encodes rate in 0.01 U/hr steps and duration in minutes.
func (d *Driver) SendTempBasal(ctx context.Context, rate float64, duration time.Duration) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(math.Round(rate*100)))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(duration.Minutes()))
	return d.send(ctx, opTempBasal, payload)
}

// SendBolus encodes units in 0.01 U steps.
func (d *Driver) SendBolus(ctx context.Context, units float64) error {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(math.Round(units*100)))
	return d.send(ctx, opBolus, payload)
}

func (d *Driver) CancelTempBasal(ctx context.Context) error {
	return d.send(ctx, opCancelTemp, nil)
}

// send writes one framed command and waits for the matching ack. An ack that
// never arrives leaves the delivery state unknown, so the context error is
// returned untouched for the dispatcher to classify as uncertain.
func (d *Driver) send(ctx context.Context, opcode byte, payload []byte) error {
	d.mu.Lock()
	if d.device == nil {
		d.mu.Unlock()
		return &pump.CertainError{Err: errors.New("pump not connected")}
	}
	d.seq++
	seq := d.seq
	frame := make([]byte, 3+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], seq)
	frame[2] = opcode
	copy(frame[3:], payload)
	_, err := d.command.WriteWithoutResponse(frame)
	d.mu.Unlock()
	if err != nil {
		// The write never left this side, the pump cannot have acted.
		return &pump.CertainError{Err: fmt.Errorf("write command: %w", err)}
	}

	for {
		select {
		case ack := <-d.acks:
			if ack.seq != seq {
				continue
			}
			if ack.code != ackOK {
				return &pump.CertainError{Err: fmt.Errorf("pump refused command: code 0x%02x", ack.code)}
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadPumpStatus reads the status characteristic. Layout: flags byte
// (bit0 bolusing, bit1 suspended, bit2 temp active), reservoir in 0.1 U,
// battery percent, then temp rate in 0.01 U/hr, temp minutes remaining.
func (d *Driver) ReadPumpStatus(ctx context.Context) (models.PumpStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return models.PumpStatus{}, errors.New("pump not connected")
	}
	buf := make([]byte, 16)
	n, err := d.status.Read(buf)
	if err != nil {
		return models.PumpStatus{}, fmt.Errorf("read pump status: %w", err)
	}
	if n < 5 {
		return models.PumpStatus{}, fmt.Errorf("short status read: %d bytes", n)
	}
	flags := buf[0]
	status := models.PumpStatus{
		Bolusing:       flags&0x01 != 0,
		Suspended:      flags&0x02 != 0,
		ReservoirUnits: float64(binary.LittleEndian.Uint16(buf[1:3])) / 10,
		BatteryPercent: int(buf[3]),
		Timestamp:      time.Now(),
	}
	if flags&0x04 != 0 && n >= 9 {
		status.TempBasal = &models.TempBasal{
			Rate:            float64(binary.LittleEndian.Uint16(buf[5:7])) / 100,
			DurationMinutes: int(binary.LittleEndian.Uint16(buf[7:9])),
			StartedAt:       time.Now(),
		}
	}
	return status, nil
}

func (d *Driver) SupportedBasalIncrement() float64 { return d.basalIncrement }
func (d *Driver) SupportedBolusIncrement() float64 { return d.bolusIncrement }

// Close disconnects from the pump.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	err := d.device.Disconnect()
	d.device = nil
	return err
}
