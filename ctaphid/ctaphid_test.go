package ctaphid

import (
	"encoding/binary"
	"testing"

	"github.com/flynn/hid"
	"github.com/stretchr/testify/require"

	"github.com/flynn/sshsk/transport"
)

type fakeHID struct {
	wrote   [][]byte
	reads   chan []byte
	onWrite func(p []byte)
	closed  bool
}

func newFakeHID() *fakeHID {
	return &fakeHID{reads: make(chan []byte, 16)}
}

func (f *fakeHID) Close() { f.closed = true }

func (f *fakeHID) Write(p []byte) error {
	buf := append([]byte(nil), p...)
	f.wrote = append(f.wrote, buf)
	if f.onWrite != nil {
		f.onWrite(buf)
	}
	return nil
}

func (f *fakeHID) ReadError() error { return nil }

func (f *fakeHID) ReadCh() <-chan []byte { return f.reads }

func (f *fakeHID) push(frame []byte) {
	padded := make([]byte, maxPacketSize)
	copy(padded, frame)
	f.reads <- padded
}

func initFrame(channel uint32, cmd byte, total uint16, payload []byte) []byte {
	frame := make([]byte, initHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[:4], channel)
	frame[4] = cmd | typeInit
	binary.BigEndian.PutUint16(frame[5:7], total)
	copy(frame[initHeaderLen:], payload)
	return frame
}

func contFrame(channel uint32, seq byte, payload []byte) []byte {
	frame := make([]byte, contHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[:4], channel)
	frame[4] = seq
	copy(frame[contHeaderLen:], payload)
	return frame
}

func testDevice(f *fakeHID) *Device {
	return &Device{
		info:       &hid.DeviceInfo{Product: "fake key"},
		device:     f,
		readCh:     f.reads,
		packetSize: maxPacketSize,
		channel:    0x01020304,
	}
}

func TestInitAllocatesChannel(t *testing.T) {
	f := newFakeHID()
	f.onWrite = func(p []byte) {
		// p[0] is the report number; the nonce follows the 7 byte header.
		require.Equal(t, uint32(broadcastChannel), binary.BigEndian.Uint32(p[1:5]))
		require.Equal(t, byte(cmdInit|typeInit), p[5])

		payload := make([]byte, 17)
		copy(payload, p[8:16]) // echo nonce
		binary.BigEndian.PutUint32(payload[8:12], 0xcafe0001)
		payload[12] = 2 // protocol version
		payload[16] = 0x01 | 0x04
		f.push(initFrame(broadcastChannel, cmdInit, 17, payload))
	}

	d, err := newDevice(&hid.DeviceInfo{}, f)
	require.NoError(t, err)
	require.Equal(t, uint32(0xcafe0001), d.channel)
	require.Equal(t, uint8(2), d.ProtocolVersion)
	require.True(t, d.CapabilityWink)
	require.True(t, d.CapabilityCBOR)
}

func TestInitNonceMismatch(t *testing.T) {
	f := newFakeHID()
	f.onWrite = func(p []byte) {
		payload := make([]byte, 17) // zeroed nonce will not match
		f.push(initFrame(broadcastChannel, cmdInit, 17, payload))
	}

	_, err := newDevice(&hid.DeviceInfo{}, f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nonce mismatch")
}

func TestSendSplitsContinuationPackets(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	// One byte more than fits the initialization packet.
	payload := make([]byte, maxPacketSize-initHeaderLen+1)
	require.NoError(t, d.sendCommand(d.channel, cmdPing, payload))

	require.Len(t, f.wrote, 2)
	init, cont := f.wrote[0], f.wrote[1]
	require.Equal(t, byte(cmdPing|typeInit), init[5])
	require.Equal(t, uint16(len(payload)), binary.BigEndian.Uint16(init[6:8]))
	require.Equal(t, d.channel, binary.BigEndian.Uint32(cont[1:5]))
	require.Equal(t, byte(0), cont[5], "first continuation packet must carry sequence 0")
}

func TestReceiveReassembly(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	f.push(initFrame(d.channel, cmdCBOR, 100, payload[:maxPacketSize-initHeaderLen]))
	f.push(contFrame(d.channel, 0, payload[maxPacketSize-initHeaderLen:]))

	got, err := d.Command(cmdCBOR, []byte{0x04})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReceiveChannelMismatch(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	f.push(initFrame(0xdeadbeef, cmdCBOR, 1, []byte{0x00}))

	_, err := d.Command(cmdCBOR, []byte{0x04})
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	require.Contains(t, err.Error(), "channel mismatch")
}

func TestReceiveOutOfOrderSequence(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	f.push(initFrame(d.channel, cmdCBOR, 100, make([]byte, maxPacketSize-initHeaderLen)))
	f.push(contFrame(d.channel, 1, make([]byte, 43)))

	_, err := d.Command(cmdCBOR, []byte{0x04})
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of order")
}

func TestReceiveErrorFrame(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	f.push(initFrame(d.channel, cmdError, 1, []byte{0x06}))

	_, err := d.Command(cmdCBOR, []byte{0x04})
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel busy")
}

func TestReceiveSkipsKeepalive(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	f.push(initFrame(d.channel, cmdKeepalive, 1, []byte{0x01}))
	f.push(initFrame(d.channel, cmdCBOR, 1, []byte{0x00}))

	got, err := d.Command(cmdCBOR, []byte{0x04})
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeHID()
	d := testDevice(f)

	require.True(t, d.Connected())
	d.Close()
	d.Close()
	require.False(t, d.Connected())
	require.True(t, f.closed)

	_, err := d.Command(cmdCBOR, []byte{0x04})
	require.Error(t, err)
}
