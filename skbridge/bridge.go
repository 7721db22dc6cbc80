// Package skbridge adapts the SSH library's synchronous sign callback to
// the asynchronous CTAP2 hardware flow: it connects a transport, performs
// the PIN exchange, requests an assertion, and blocks the caller until the
// wire format signature is ready or the attempt fails.
package skbridge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/flynn/sshsk/crypto"
	"github.com/flynn/sshsk/ctap2token"
	"github.com/flynn/sshsk/ctap2token/pin"
	"github.com/flynn/sshsk/ctaphid"
	"github.com/flynn/sshsk/skssh"
	"github.com/flynn/sshsk/transport"
)

// A Credential identifies one resident key on a security key. Values are
// read-only snapshots; they are never cached across device disconnects.
type Credential struct {
	ID             []byte
	RelyingPartyID string
	UserHandle     []byte
	UserName       string
	PublicKeyCOSE  []byte
	Algorithm      crypto.Alg
}

// A SignatureResult is the decoded outcome of one assertion.
type SignatureResult struct {
	// AuthenticatorData is at least 37 bytes: RP ID hash, flags byte and
	// big-endian counter, possibly followed by extensions.
	AuthenticatorData    []byte
	Signature            []byte
	UserPresenceVerified bool
	UserVerified         bool
	// Counter must be non-decreasing across assertions from the same
	// credential. The bridge surfaces it; tracking per host is the SSH
	// layer's job.
	Counter uint32
}

// Flags returns the authenticator data flags byte, or zero when the data
// is too short to carry one.
func (r *SignatureResult) Flags() byte {
	if len(r.AuthenticatorData) <= 32 {
		return 0
	}
	return r.AuthenticatorData[32]
}

// ErrSigningInFlight is returned when Sign is called while another signing
// attempt on the same Signer has not finished.
var ErrSigningInFlight = errors.New("skbridge: a signing operation is already in flight")

// A Signer performs the blocking "sign this message" operation the SSH
// authentication layer requires, driving a user-interactive security key
// under the hood. Context fixed at construction: credential, PIN and
// transport preference. One signing operation may be in flight at a time.
type Signer struct {
	cred    Credential
	pinCode string
	pref    transport.Type
	logger  *slog.Logger
	openUSB func() (transport.Transport, error)

	mu       sync.Mutex
	inflight bool
	pending  *pendingTap
	active   transport.Transport
}

// canceller is implemented by transports that can abort an outstanding
// request on the device, such as CTAPHID with its cancel command.
type canceller interface {
	Cancel()
}

type pendingTap struct {
	ch chan transport.Transport
}

type Option func(*Signer)

// WithPIN supplies the device PIN for authenticators that require one.
func WithPIN(pinCode string) Option {
	return func(s *Signer) { s.pinCode = pinCode }
}

// WithTransport selects the preferred transport. USB connects on its own;
// NFC waits for a tap submitted via SubmitTransport.
func WithTransport(t transport.Type) Option {
	return func(s *Signer) { s.pref = t }
}

// WithLogger enables debug logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Signer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUSBOpener overrides how the USB transport is established, e.g. to
// pin a specific device path.
func WithUSBOpener(open func() (transport.Transport, error)) Option {
	return func(s *Signer) { s.openUSB = open }
}

// NewSigner builds a signer for cred. The default transport preference is
// USB.
func NewSigner(cred Credential, opts ...Option) *Signer {
	s := &Signer{
		cred:    cred,
		pref:    transport.USB,
		openUSB: openFirstDevice,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func openFirstDevice() (transport.Transport, error) {
	devs, err := ctaphid.Devices()
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, errors.New("skbridge: no security key connected")
	}
	return ctaphid.Open(devs[0])
}

// Sign blocks until the authenticator produces an assertion over data and
// returns the SSH wire format signature blob.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	return s.SignContext(context.Background(), data)
}

// SignContext is Sign with cancellation. Cancelling releases any pending
// NFC tap state so a stale tap cannot resolve a later signing attempt.
func (s *Signer) SignContext(ctx context.Context, data []byte) ([]byte, error) {
	if !s.begin() {
		return nil, ErrSigningInFlight
	}

	type outcome struct {
		blob []byte
		err  error
	}
	resCh := make(chan outcome, 1)

	go func() {
		blob, err := s.run(ctx, data)
		resCh <- outcome{blob, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, s.describe(res.err)
		}
		return res.blob, nil
	case <-ctx.Done():
		// Abort the outstanding device request so the key stops waiting
		// for a touch. The attempt stays in flight until the worker has
		// released the transport, so a prompt retry cannot open a second
		// handle to the same device. Not a failure: the caller asked to
		// stop.
		s.cancelActive()
		return nil, ctx.Err()
	}
}

// run drives one signing attempt. The in-flight slot is released only
// after the transport is closed.
func (s *Signer) run(ctx context.Context, data []byte) ([]byte, error) {
	defer s.end()

	t, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	s.setActive(t)
	defer s.setActive(nil)

	return s.signOn(t, data)
}

func (s *Signer) setActive(t transport.Transport) {
	s.mu.Lock()
	s.active = t
	s.mu.Unlock()
}

func (s *Signer) cancelActive() {
	s.mu.Lock()
	t := s.active
	s.mu.Unlock()
	if c, ok := t.(canceller); ok {
		c.Cancel()
	}
}

// SubmitTransport fulfills a pending NFC signing attempt with a connected
// transport, typically from the platform's tag dispatch. It reports false
// when no attempt is waiting; the caller then keeps ownership of t.
func (s *Signer) SubmitTransport(t transport.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil {
		return false
	}
	s.pending = nil
	// The slot was cleared under the lock, so this is the only send the
	// buffered channel will ever see; a disarm that follows will find and
	// close the transport.
	p.ch <- t
	return true
}

func (s *Signer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *Signer) end() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *Signer) connect(ctx context.Context) (transport.Transport, error) {
	if s.pref != transport.NFC {
		return s.openUSB()
	}

	p := &pendingTap{ch: make(chan transport.Transport, 1)}
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()

	select {
	case t := <-p.ch:
		return t, nil
	case <-ctx.Done():
		s.disarm(p)
		return nil, ctx.Err()
	}
}

// disarm clears the pending slot and closes a transport that lost the race
// with cancellation.
func (s *Signer) disarm(p *pendingTap) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()

	select {
	case t := <-p.ch:
		t.Close()
	default:
	}
}

func (s *Signer) signOn(t transport.Transport, data []byte) ([]byte, error) {
	var opts []ctap2token.Option
	if s.logger != nil {
		opts = append(opts, ctap2token.WithLogger(s.logger))
	}
	token := ctap2token.NewToken(t, opts...)

	info, err := token.GetInfo()
	if err != nil {
		return nil, err
	}

	cdh := sha256.Sum256(data)
	req := &ctap2token.GetAssertionRequest{
		RPID:           s.cred.RelyingPartyID,
		ClientDataHash: cdh[:],
		AllowList: []*ctap2token.CredentialDescriptor{
			{ID: s.cred.ID, Type: ctap2token.PublicKey},
		},
	}

	if s.pinCode != "" && info.PINConfigured() {
		pinAuth, err := pin.ExchangePIN(token, []byte(s.pinCode), cdh[:])
		if err != nil {
			return nil, s.withRetries(token, err)
		}
		req.PinUVAuth = pinAuth
		req.PinUVAuthProtocol = ctap2token.PinProtoV1
	}

	resp, err := token.GetAssertion(req)
	if err != nil {
		return nil, s.withRetries(token, err)
	}

	res := newSignatureResult(resp)
	switch s.cred.Algorithm {
	case crypto.ES256:
		return skEncodeECDSA(res)
	case crypto.EdDSA:
		return skEncodeEd25519(res)
	default:
		return nil, fmt.Errorf("skbridge: unsupported algorithm %d", s.cred.Algorithm)
	}
}

// withRetries enriches a rejected-PIN error with the remaining attempt
// count when the authenticator did not include one.
func (s *Signer) withRetries(token *ctap2token.Token, err error) error {
	var pinErr *ctap2token.PINInvalidError
	if !errors.As(err, &pinErr) || pinErr.Retries >= 0 {
		return err
	}
	retries, rerr := pin.Retries(token)
	if rerr != nil {
		return err
	}
	return &ctap2token.PINInvalidError{Retries: int(retries)}
}

// describe maps failure causes to the actionable messages the SSH layer
// shows. The typed errors stay reachable through the wrap chain.
func (s *Signer) describe(err error) error {
	switch {
	case errors.Is(err, ctap2token.ErrCancelled), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ctap2token.ErrNoCredentials):
		return fmt.Errorf("skbridge: this security key does not hold the requested credential: %w", err)
	case errors.Is(err, ctap2token.ErrUserTimeout):
		return fmt.Errorf("skbridge: the security key was not tapped in time: %w", err)
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		return fmt.Errorf("skbridge: connection to the security key lost: %w", err)
	}
	return fmt.Errorf("skbridge: signing failed: %w", err)
}

func newSignatureResult(resp *ctap2token.GetAssertionResponse) *SignatureResult {
	res := &SignatureResult{
		AuthenticatorData: resp.AuthData,
		Signature:         resp.Signature,
		Counter:           resp.AuthData.SignCount(),
	}
	flags := res.Flags()
	res.UserPresenceVerified = flags&0x01 != 0
	res.UserVerified = flags&0x04 != 0
	return res
}

func skEncodeECDSA(res *SignatureResult) ([]byte, error) {
	return skssh.EncodeECDSASignature(res.Signature, res.Flags(), res.Counter)
}

func skEncodeEd25519(res *SignatureResult) ([]byte, error) {
	return skssh.EncodeEd25519Signature(res.Signature, res.Flags(), res.Counter)
}

// An SSHSigner exposes a Signer through the golang.org/x/crypto/ssh Signer
// contract for use in the public-key authentication flow.
type SSHSigner struct {
	signer *Signer
	pub    skssh.PublicKey
}

var _ ssh.Signer = (*SSHSigner)(nil)

// NewSSHSigner pairs a bridge signer with the public key offered during
// authentication.
func NewSSHSigner(signer *Signer, pub skssh.PublicKey) *SSHSigner {
	return &SSHSigner{signer: signer, pub: pub}
}

func (a *SSHSigner) PublicKey() ssh.PublicKey { return a.pub }

// Sign blocks until the hardware interaction completes. The rand argument
// is unused; the authenticator provides its own entropy.
func (a *SSHSigner) Sign(_ io.Reader, data []byte) (*ssh.Signature, error) {
	blob, err := a.signer.Sign(data)
	if err != nil {
		return nil, err
	}
	sig, err := skssh.ParseSignature(blob)
	if err != nil {
		return nil, err
	}
	return sig.SSH(), nil
}
