// Package ctaphid implements the CTAPHID framing of CTAP2 messages over
// USB HID: broadcast channel allocation, fixed-size packetization with
// initialization and continuation packets, and response reassembly.
package ctaphid

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/flynn/hid"

	"github.com/flynn/sshsk/transport"
)

const (
	cmdPing      = 0x01
	cmdMsg       = 0x03
	cmdInit      = 0x06
	cmdWink      = 0x08
	cmdCBOR      = 0x10
	cmdCancel    = 0x11
	cmdKeepalive = 0x3b
	cmdError     = 0x3f

	// typeInit marks a command byte as an initialization packet.
	typeInit = 0x80

	broadcastChannel = 0xffffffff

	fidoUsagePage = 0xf1d0

	// maxPacketSize is the protocol ceiling for a single HID report.
	maxPacketSize = 64

	initHeaderLen = 7 // channel + command + 2 byte length
	contHeaderLen = 5 // channel + sequence
	maxSequence   = 0x7f

	nonceSize = 8

	// respTimeout bounds each interrupt transfer.
	respTimeout = 5 * time.Second
)

var errorCodes = map[uint8]string{
	0x01: "invalid command",
	0x02: "invalid parameter",
	0x03: "invalid message length",
	0x04: "invalid message sequencing",
	0x05: "message timed out",
	0x06: "channel busy",
	0x0a: "command requires channel lock",
	0x0b: "invalid channel",
	0x7f: "unspecified error",
}

// Devices lists attached HID devices exposing the FIDO usage page.
func Devices() ([]*hid.DeviceInfo, error) {
	devices, err := hid.Devices()
	if err != nil {
		return nil, err
	}

	res := make([]*hid.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.UsagePage == fidoUsagePage {
			res = append(res, d)
		}
	}
	return res, nil
}

// Open initializes a CTAPHID session with the device described by info. The
// device channel is allocated with an INIT handshake on the broadcast
// channel before Open returns.
func Open(info *hid.DeviceInfo) (*Device, error) {
	hidDev, err := info.Open()
	if err != nil {
		return nil, err
	}

	d, err := newDevice(info, hidDev)
	if err != nil {
		hidDev.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(info *hid.DeviceInfo, hidDev hid.Device) (*Device, error) {
	packetSize := uint16(maxPacketSize)
	if info.OutputReportLength > 0 && info.OutputReportLength < maxPacketSize {
		packetSize = info.OutputReportLength
	}

	d := &Device{
		info:       info,
		device:     hidDev,
		readCh:     hidDev.ReadCh(),
		packetSize: int(packetSize),
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

// A Device is an opened CTAPHID session with an allocated channel.
type Device struct {
	ProtocolVersion    uint8
	MajorDeviceVersion uint8
	MinorDeviceVersion uint8
	BuildDeviceVersion uint8

	CapabilityWink bool
	CapabilityCBOR bool
	CapabilityNMSG bool

	info       *hid.DeviceInfo
	device     hid.Device
	readCh     <-chan []byte
	packetSize int
	channel    uint32

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Device)(nil)

// init allocates a channel by sending INIT with a random nonce on the
// broadcast channel. The response must echo the nonce.
func (d *Device) init() error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	if err := d.sendCommand(broadcastChannel, cmdInit, nonce); err != nil {
		return err
	}
	resp, err := d.readResponse(broadcastChannel, cmdInit)
	if err != nil {
		return err
	}
	if len(resp) < 17 {
		return transport.Errorf(transport.USB, "short INIT response (%d bytes)", len(resp))
	}
	if !bytes.Equal(resp[:nonceSize], nonce) {
		return transport.Errorf(transport.USB, "INIT nonce mismatch")
	}

	d.channel = binary.BigEndian.Uint32(resp[8:12])
	d.ProtocolVersion = resp[12]
	d.MajorDeviceVersion = resp[13]
	d.MinorDeviceVersion = resp[14]
	d.BuildDeviceVersion = resp[15]
	d.CapabilityWink = resp[16]&0x01 != 0
	d.CapabilityCBOR = resp[16]&0x04 != 0
	d.CapabilityNMSG = resp[16]&0x08 != 0
	return nil
}

// Command performs one CTAPHID command round trip on the allocated channel.
func (d *Device) Command(cmd byte, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, transport.Errorf(transport.USB, "device is closed")
	}
	if err := d.sendCommand(d.channel, cmd, data); err != nil {
		return nil, err
	}
	return d.readResponse(d.channel, cmd)
}

// SendCommand sends a CTAP2 CBOR message and returns the raw
// status-prefixed response.
func (d *Device) SendCommand(cmd []byte) ([]byte, error) {
	return d.Command(cmdCBOR, cmd)
}

// Msg sends a CTAP1 (U2F raw) message.
func (d *Device) Msg(data []byte) ([]byte, error) {
	return d.Command(cmdMsg, data)
}

// Ping sends data to the device and reads the echo.
func (d *Device) Ping(data []byte) ([]byte, error) {
	return d.Command(cmdPing, data)
}

// Wink makes the device blink, when supported.
func (d *Device) Wink() error {
	_, err := d.Command(cmdWink, nil)
	return err
}

// Cancel asks the device to abort an outstanding request. The pending
// request then fails with a keepalive-cancel status.
func (d *Device) Cancel() {
	// Best effort, the device may already be gone.
	d.sendCommand(d.channel, cmdCancel, nil) //nolint:errcheck
}

func (d *Device) Type() transport.Type { return transport.USB }

func (d *Device) DeviceName() string {
	if d.info.Product != "" {
		return d.info.Product
	}
	return d.info.Path
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

// Close releases the HID handle. Safe to call multiple times.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.device.Close()
}

func (d *Device) sendCommand(channel uint32, cmd byte, data []byte) error {
	if len(data) > math.MaxUint16 {
		return transport.Errorf(transport.USB, "message too large (%d bytes)", len(data))
	}

	// Report number 0 prefixes every frame handed to the HID layer.
	report := make([]byte, d.packetSize+1)
	binary.BigEndian.PutUint32(report[1:5], channel)
	report[5] = cmd | typeInit
	binary.BigEndian.PutUint16(report[6:8], uint16(len(data)))

	n := copy(report[8:], data)
	data = data[n:]
	if err := d.device.Write(report); err != nil {
		return &transport.Error{Transport: transport.USB, Msg: "write failed", Cause: err}
	}

	var seq uint8
	for len(data) > 0 {
		if seq > maxSequence {
			return transport.Errorf(transport.USB, "message too large for sequence space")
		}
		report = make([]byte, d.packetSize+1)
		binary.BigEndian.PutUint32(report[1:5], channel)
		report[5] = seq
		seq++

		n := copy(report[6:], data)
		data = data[n:]
		if err := d.device.Write(report); err != nil {
			return &transport.Error{Transport: transport.USB, Msg: "write failed", Cause: err}
		}
	}
	return nil
}

func (d *Device) readResponse(channel uint32, cmd byte) ([]byte, error) {
	var buf []byte
	for {
		select {
		case frame, ok := <-d.readCh:
			if !ok {
				return nil, &transport.Error{Transport: transport.USB, Msg: "read failed", Cause: d.device.ReadError()}
			}
			if len(frame) < initHeaderLen {
				return nil, transport.Errorf(transport.USB, "short packet (%d bytes)", len(frame))
			}
			if got := binary.BigEndian.Uint32(frame[:4]); got != channel {
				return nil, transport.Errorf(transport.USB, "channel mismatch: got %08x, want %08x", got, channel)
			}
			switch frame[4] {
			case cmd | typeInit:
				buf = frame
			case cmdKeepalive | typeInit:
				// Device is still processing, keep waiting.
				continue
			case cmdError | typeInit:
				if len(frame) <= initHeaderLen {
					return nil, transport.Errorf(transport.USB, "truncated error packet")
				}
				code := frame[initHeaderLen]
				msg, ok := errorCodes[code]
				if !ok {
					return nil, transport.Errorf(transport.USB, "device error 0x%02x", code)
				}
				return nil, transport.Errorf(transport.USB, "device error: %s", msg)
			default:
				return nil, transport.Errorf(transport.USB, "unexpected command 0x%02x", frame[4])
			}
		case <-time.After(respTimeout):
			return nil, transport.Errorf(transport.USB, "timeout waiting for response")
		}
		break
	}

	total := int(binary.BigEndian.Uint16(buf[5:7]))
	data := make([]byte, 0, total)
	data = append(data, buf[initHeaderLen:]...)

	var seq uint8
	for len(data) < total {
		select {
		case frame, ok := <-d.readCh:
			if !ok {
				return nil, &transport.Error{Transport: transport.USB, Msg: "read failed", Cause: d.device.ReadError()}
			}
			if len(frame) < contHeaderLen {
				return nil, transport.Errorf(transport.USB, "short packet (%d bytes)", len(frame))
			}
			if got := binary.BigEndian.Uint32(frame[:4]); got != channel {
				return nil, transport.Errorf(transport.USB, "channel mismatch: got %08x, want %08x", got, channel)
			}
			if frame[4]&typeInit != 0 {
				return nil, transport.Errorf(transport.USB, "unexpected initialization packet 0x%02x", frame[4])
			}
			if frame[4] != seq {
				return nil, transport.Errorf(transport.USB, "out of order packet: got sequence %d, want %d", frame[4], seq)
			}
			seq++
			data = append(data, frame[contHeaderLen:]...)
		case <-time.After(respTimeout):
			return nil, transport.Errorf(transport.USB, "timeout waiting for response")
		}
	}

	if len(data) > total {
		data = data[:total]
	}
	return data, nil
}
