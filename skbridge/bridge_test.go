package skbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/flynn/sshsk/crypto"
	"github.com/flynn/sshsk/skssh"
	"github.com/flynn/sshsk/transport"
)

const (
	cmdGetAssertion = 0x02
	cmdGetInfo      = 0x04
)

type fakeTransport struct {
	authData  []byte
	signature []byte
	closed    atomic.Int32
}

func (f *fakeTransport) SendCommand(cmd []byte) ([]byte, error) {
	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	switch cmd[0] {
	case cmdGetInfo:
		body, err := enc.Marshal(map[int]interface{}{
			1: []string{"FIDO_2_0"},
			3: make([]byte, 16),
		})
		if err != nil {
			return nil, err
		}
		return append([]byte{0x00}, body...), nil
	case cmdGetAssertion:
		body, err := enc.Marshal(map[int]interface{}{
			2: f.authData,
			3: f.signature,
		})
		if err != nil {
			return nil, err
		}
		return append([]byte{0x00}, body...), nil
	default:
		return []byte{0x01}, nil
	}
}

func (f *fakeTransport) Type() transport.Type { return transport.USB }
func (f *fakeTransport) DeviceName() string   { return "fake" }
func (f *fakeTransport) Connected() bool      { return f.closed.Load() == 0 }
func (f *fakeTransport) Close()               { f.closed.Add(1) }

func fixedAssertion() ([]byte, []byte) {
	authData := make([]byte, 37)
	for i := 0; i < 32; i++ {
		authData[i] = byte(i)
	}
	authData[32] = 0x01 // user present
	authData[36] = 0x07 // counter 7

	signature := make([]byte, 64)
	for i := range signature {
		signature[i] = byte(0x40 + i)
	}
	return authData, signature
}

func credentialID() []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func TestSignMatchesDirectEncoding(t *testing.T) {
	authData, signature := fixedAssertion()
	f := &fakeTransport{authData: authData, signature: signature}

	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	}, WithUSBOpener(func() (transport.Transport, error) { return f, nil }))

	blob, err := signer.Sign([]byte("ssh auth challenge"))
	require.NoError(t, err)

	want, err := skssh.EncodeECDSASignature(signature, 0x01, 7)
	require.NoError(t, err)
	require.Equal(t, want, blob)

	require.Equal(t, int32(1), f.closed.Load(), "transport must be closed after the attempt")
}

func TestSignEd25519(t *testing.T) {
	authData, signature := fixedAssertion()
	f := &fakeTransport{authData: authData, signature: signature}

	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.EdDSA,
	}, WithUSBOpener(func() (transport.Transport, error) { return f, nil }))

	blob, err := signer.Sign([]byte("ssh auth challenge"))
	require.NoError(t, err)

	want, err := skssh.EncodeEd25519Signature(signature, 0x01, 7)
	require.NoError(t, err)
	require.Equal(t, want, blob)
}

func TestSignResultDecoding(t *testing.T) {
	authData, signature := fixedAssertion()
	authData[32] = 0x05 // user present + verified
	f := &fakeTransport{authData: authData, signature: signature}

	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	}, WithUSBOpener(func() (transport.Transport, error) { return f, nil }))

	blob, err := signer.Sign([]byte("data"))
	require.NoError(t, err)

	sig, err := skssh.ParseSignature(blob)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), sig.Flags)
	require.Equal(t, uint32(7), sig.Counter)
}

func TestSignNFCWaitsForSubmittedTransport(t *testing.T) {
	authData, signature := fixedAssertion()
	f := &fakeTransport{authData: authData, signature: signature}

	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	}, WithTransport(transport.NFC))

	go func() {
		// Simulates the tag dispatch fulfilling the armed attempt.
		for !signer.SubmitTransport(f) {
			time.Sleep(time.Millisecond)
		}
	}()

	blob, err := signer.Sign([]byte("ssh auth challenge"))
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}

func TestSignNFCCancellationReleasesPendingState(t *testing.T) {
	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	}, WithTransport(transport.NFC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := signer.SignContext(ctx, []byte("data"))
	require.ErrorIs(t, err, context.Canceled)

	// A stale tap after cancellation must not arm a future attempt.
	require.Eventually(t, func() bool {
		return !signer.SubmitTransport(&fakeTransport{})
	}, time.Second, time.Millisecond)
}

// A transport accepted by SubmitTransport must end up closed no matter how
// the submission interleaves with cancellation; a rejected one stays with
// the caller untouched.
func TestSubmittedTransportNeverLeaksOnCancellation(t *testing.T) {
	for i := 0; i < 50; i++ {
		authData, signature := fixedAssertion()
		f := &fakeTransport{authData: authData, signature: signature}

		signer := NewSigner(Credential{
			ID:             credentialID(),
			RelyingPartyID: "ssh:",
			Algorithm:      crypto.ES256,
		}, WithTransport(transport.NFC))

		ctx, cancel := context.WithCancel(context.Background())
		accepted := make(chan bool, 1)
		go func() { accepted <- signer.SubmitTransport(f) }()
		go cancel()

		_, _ = signer.SignContext(ctx, []byte("data"))

		if <-accepted {
			require.Eventually(t, func() bool { return f.closed.Load() == 1 },
				time.Second, time.Millisecond, "accepted transport must be closed")
		} else {
			require.Equal(t, int32(0), f.closed.Load(), "rejected transport belongs to the caller")
		}
		cancel()
	}
}

type blockingTransport struct {
	fakeTransport
	entered sync.Once
	ready   chan struct{}
	release chan struct{}
}

func (b *blockingTransport) SendCommand(cmd []byte) ([]byte, error) {
	b.entered.Do(func() { close(b.ready) })
	<-b.release
	return b.fakeTransport.SendCommand(cmd)
}

// Cancellation returns control to the caller, but the attempt stays in
// flight until the worker has released the device.
func TestCancelledSignHoldsInFlightUntilWorkerExits(t *testing.T) {
	authData, signature := fixedAssertion()
	b := &blockingTransport{
		fakeTransport: fakeTransport{authData: authData, signature: signature},
		ready:         make(chan struct{}),
		release:       make(chan struct{}),
	}

	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	}, WithUSBOpener(func() (transport.Transport, error) { return b, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.ready
		cancel()
	}()

	_, err := signer.SignContext(ctx, []byte("data"))
	require.ErrorIs(t, err, context.Canceled)

	// The worker is still parked on the device.
	_, err = signer.Sign([]byte("data"))
	require.ErrorIs(t, err, ErrSigningInFlight)

	close(b.release)
	require.Eventually(t, func() bool { return b.closed.Load() == 1 },
		time.Second, time.Millisecond, "worker must close the transport on its way out")
	require.Eventually(t, func() bool {
		_, err := signer.Sign([]byte("data"))
		return err == nil
	}, time.Second, 5*time.Millisecond, "slot must reopen once the worker is done")
}

func TestSignSerializesAttempts(t *testing.T) {
	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	})

	require.True(t, signer.begin())
	defer signer.end()

	_, err := signer.Sign([]byte("data"))
	require.ErrorIs(t, err, ErrSigningInFlight)
}

func TestSSHSignerSplitsBlob(t *testing.T) {
	authData, signature := fixedAssertion()
	f := &fakeTransport{authData: authData, signature: signature}

	signer := NewSigner(Credential{
		ID:             credentialID(),
		RelyingPartyID: "ssh:",
		Algorithm:      crypto.ES256,
	}, WithUSBOpener(func() (transport.Transport, error) { return f, nil }))

	pub := &skssh.ECDSAPublicKey{App: "ssh:", Point: append([]byte{0x04}, make([]byte, 64)...)}
	sshSigner := NewSSHSigner(signer, pub)
	require.Equal(t, pub, sshSigner.PublicKey())

	sig, err := sshSigner.Sign(nil, []byte("data"))
	require.NoError(t, err)
	require.Equal(t, skssh.KeyAlgoSKECDSA256, sig.Format)
	require.Len(t, sig.Rest, 5)
	require.Equal(t, byte(0x01), sig.Rest[0])
}
