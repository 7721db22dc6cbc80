package ctapnfc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCard struct {
	reqs  [][]byte
	resps [][]byte
}

func (c *fakeCard) TransmitAPDU(cmd []byte) ([]byte, error) {
	c.reqs = append(c.reqs, append([]byte(nil), cmd...))
	if len(c.resps) == 0 {
		return []byte{0x90, 0x00}, nil
	}
	resp := c.resps[0]
	c.resps = c.resps[1:]
	return resp, nil
}

func sw(b ...byte) []byte { return b }

func connected(t *testing.T, c *fakeCard) *Transport {
	t.Helper()
	c.resps = append([][]byte{sw(0x90, 0x00)}, c.resps...)
	tr, err := Connect(c, "fake reader")
	require.NoError(t, err)
	return tr
}

func TestConnectSelectsFIDOApplet(t *testing.T) {
	c := &fakeCard{resps: [][]byte{sw(0x90, 0x00)}}
	tr, err := Connect(c, "fake reader")
	require.NoError(t, err)
	require.Equal(t, "fake reader", tr.DeviceName())

	require.Len(t, c.reqs, 1)
	sel := c.reqs[0]
	require.Equal(t, []byte{0x00, 0xa4, 0x04, 0x00, 0x08}, sel[:5])
	require.True(t, bytes.Equal(sel[5:13], fidoAID))
}

func TestConnectRejectsUnknownApplet(t *testing.T) {
	c := &fakeCard{resps: [][]byte{sw(0x6a, 0x82)}}
	_, err := Connect(c, "fake reader")
	require.Error(t, err)
	require.Contains(t, err.Error(), "6a82")
}

func TestGetResponseContinuation(t *testing.T) {
	c := &fakeCard{}
	tr := connected(t, c)

	// First transceive leaves 5 bytes buffered on the card.
	c.resps = [][]byte{
		append([]byte{0x00, 0x01, 0x02}, 0x61, 0x05),
		append([]byte{0x03, 0x04, 0x05, 0x06, 0x07}, 0x90, 0x00),
	}

	got, err := tr.SendCommand([]byte{0x04})
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, got)

	// One SELECT, the command, exactly one GET RESPONSE for 5 bytes.
	require.Len(t, c.reqs, 3)
	require.Equal(t, []byte{0x00, 0xc0, 0x00, 0x00, 0x05}, c.reqs[2])
}

func TestErrorStatusWord(t *testing.T) {
	c := &fakeCard{}
	tr := connected(t, c)

	c.resps = [][]byte{sw(0x6a, 0x82)}

	_, err := tr.SendCommand([]byte{0x04})
	require.Error(t, err)
	require.Contains(t, err.Error(), "6a82")
}

func TestCommandChaining(t *testing.T) {
	c := &fakeCard{}
	tr := connected(t, c)

	payload := make([]byte, maxChunk+45)
	for i := range payload {
		payload[i] = byte(i)
	}
	c.resps = [][]byte{
		sw(0x90, 0x00),
		append([]byte{0x00}, 0x90, 0x00),
	}

	_, err := tr.SendCommand(payload)
	require.NoError(t, err)

	require.Len(t, c.reqs, 3)
	first, final := c.reqs[1], c.reqs[2]
	require.Equal(t, byte(claChain), first[0])
	require.Equal(t, byte(maxChunk), first[4])
	require.Equal(t, payload[:maxChunk], first[5:])
	require.Equal(t, byte(claMsg), final[0])
	require.Equal(t, byte(45), final[4])
	require.Equal(t, payload[maxChunk:], final[5:5+45])
}

func TestChainingChunkMustReturnNoData(t *testing.T) {
	c := &fakeCard{}
	tr := connected(t, c)

	c.resps = [][]byte{
		append([]byte{0xff}, 0x90, 0x00),
	}

	_, err := tr.SendCommand(make([]byte, maxChunk+1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected data")
}

func TestCloseIsIdempotent(t *testing.T) {
	released := 0
	c := &fakeCard{}
	tr := connected(t, c)
	tr.release = func() { released++ }

	require.True(t, tr.Connected())
	tr.Close()
	tr.Close()
	require.False(t, tr.Connected())
	require.Equal(t, 1, released)

	_, err := tr.SendCommand([]byte{0x04})
	require.Error(t, err)
}
