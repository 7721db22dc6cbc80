package pin

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/flynn/sshsk/ctap2token"
	"github.com/flynn/sshsk/transport"
)

type fakeTransport struct {
	resp []byte
}

func (f *fakeTransport) SendCommand(cmd []byte) ([]byte, error) { return f.resp, nil }
func (f *fakeTransport) Type() transport.Type                   { return transport.USB }
func (f *fakeTransport) DeviceName() string                     { return "fake" }
func (f *fakeTransport) Connected() bool                        { return true }
func (f *fakeTransport) Close()                                 {}

func successBody(t *testing.T, v interface{}) []byte {
	t.Helper()
	enc, err := cbor.CTAP2EncOptions().EncMode()
	require.NoError(t, err)
	body, err := enc.Marshal(v)
	require.NoError(t, err)
	return append([]byte{0x00}, body...)
}

func TestExchangePINMissingKeyAgreement(t *testing.T) {
	// A success ClientPIN response carrying only a retry count.
	token := ctap2token.NewToken(&fakeTransport{
		resp: successBody(t, map[int]interface{}{3: 8}),
	})

	_, err := ExchangePIN(token, []byte("1234"), make([]byte, 32))
	require.Error(t, err)
	require.Contains(t, err.Error(), "keyAgreement")
}

func TestRetries(t *testing.T) {
	token := ctap2token.NewToken(&fakeTransport{
		resp: successBody(t, map[int]interface{}{3: 5}),
	})

	retries, err := Retries(token)
	require.NoError(t, err)
	require.Equal(t, uint(5), retries)
}
