// Package ctap2token implements a CTAP2 command client: it encodes
// commands as CBOR, sends them through a transport, and maps the response
// status byte to a typed result.
package ctap2token

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/flynn/sshsk/crypto"
	"github.com/flynn/sshsk/transport"
)

const (
	statusSuccess = 0x00

	cmdMakeCredential   = 0x01
	cmdGetAssertion     = 0x02
	cmdGetInfo          = 0x04
	cmdClientPIN        = 0x06
	cmdReset            = 0x07
	cmdGetNextAssertion = 0x08
)

// NewToken returns a token that drives the authenticator behind t.
func NewToken(t transport.Transport, opts ...Option) *Token {
	tok := &Token{t: t, logger: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(tok)
	}
	return tok
}

// A Token issues CTAP2 commands to a single authenticator connection.
type Token struct {
	t      transport.Transport
	logger *slog.Logger
}

type Option func(*Token)

// WithLogger enables debug logging of request and response payloads.
func WithLogger(l *slog.Logger) Option {
	return func(t *Token) {
		if l != nil {
			t.logger = l
		}
	}
}

type GetAssertionRequest struct {
	RPID              string                   `cbor:"1,keyasint"`
	ClientDataHash    []byte                   `cbor:"2,keyasint"`
	AllowList         []*CredentialDescriptor  `cbor:"3,keyasint,omitempty"`
	Extensions        AuthenticatorExtensions  `cbor:"4,keyasint,omitempty"`
	Options           AuthenticatorOptions     `cbor:"5,keyasint,omitempty"`
	PinUVAuth         []byte                   `cbor:"6,keyasint,omitempty"`
	PinUVAuthProtocol PinUVAuthProtocolVersion `cbor:"7,keyasint,omitempty"`
}

type GetAssertionResponse struct {
	Credential          *CredentialDescriptor `cbor:"1,keyasint,omitempty"`
	AuthData            AuthData              `cbor:"2,keyasint"`
	Signature           []byte                `cbor:"3,keyasint"`
	User                *CredentialUserEntity `cbor:"4,keyasint,omitempty"`
	NumberOfCredentials int                   `cbor:"5,keyasint,omitempty"`
	UserSelected        bool                  `cbor:"6,keyasint,omitempty"`
}

// GetAssertion asks the authenticator to sign the client data hash with a
// credential scoped to the request's relying party.
func (t *Token) GetAssertion(req *GetAssertionRequest) (*GetAssertionResponse, error) {
	resp, err := t.roundTrip(cmdGetAssertion, req)
	if err != nil {
		return nil, err
	}

	respData := &GetAssertionResponse{}
	if err := unmarshal(resp, respData); err != nil {
		return nil, err
	}
	return respData, nil
}

// GetNextAssertion fetches the next credential's assertion after a
// GetAssertion that reported more than one match.
func (t *Token) GetNextAssertion() (*GetAssertionResponse, error) {
	resp, err := t.roundTrip(cmdGetNextAssertion, nil)
	if err != nil {
		return nil, err
	}

	respData := &GetAssertionResponse{}
	if err := unmarshal(resp, respData); err != nil {
		return nil, err
	}
	return respData, nil
}

type GetInfoResponse struct {
	Versions                         []string             `cbor:"1,keyasint"`
	Extensions                       []string             `cbor:"2,keyasint,omitempty"`
	AAGUID                           []byte               `cbor:"3,keyasint,omitempty"`
	Options                          AuthenticatorOptions `cbor:"4,keyasint,omitempty"`
	MaxMsgSize                       uint                 `cbor:"5,keyasint,omitempty"`
	PinProtocols                     []uint               `cbor:"6,keyasint,omitempty"`
	MaxCredentialCountInList         uint                 `cbor:"7,keyasint,omitempty"`
	MaxCredentialIDLength            uint                 `cbor:"8,keyasint,omitempty"`
	Transports                       []string             `cbor:"9,keyasint,omitempty"`
	RemainingDiscoverableCredentials *uint                `cbor:"20,keyasint,omitempty"`
}

// SupportsResidentKeys reports whether the authenticator can store
// discoverable credentials.
func (i *GetInfoResponse) SupportsResidentKeys() bool {
	return i.Options["rk"]
}

// SupportsCredentialManagement reports whether the credential management
// command set is available.
func (i *GetInfoResponse) SupportsCredentialManagement() bool {
	return i.Options["credMgmt"] || i.Options["credentialMgmtPreview"]
}

// PINConfigured reports whether a client PIN has been set on the
// authenticator.
func (i *GetInfoResponse) PINConfigured() bool {
	return i.Options["clientPin"]
}

// GetInfo fetches the authenticator's capability snapshot.
func (t *Token) GetInfo() (*GetInfoResponse, error) {
	resp, err := t.roundTrip(cmdGetInfo, nil)
	if err != nil {
		return nil, err
	}

	infos := &GetInfoResponse{}
	if err := unmarshal(resp, infos); err != nil {
		return nil, err
	}
	return infos, nil
}

type ClientPINRequest struct {
	PinProtocol  PinUVAuthProtocolVersion `cbor:"1,keyasint"`
	SubCommand   ClientPinSubCommand      `cbor:"2,keyasint"`
	KeyAgreement *crypto.COSEKey          `cbor:"3,keyasint,omitempty"`
	PinAuth      []byte                   `cbor:"4,keyasint,omitempty"`
	NewPinEnc    []byte                   `cbor:"5,keyasint,omitempty"`
	PinHashEnc   []byte                   `cbor:"6,keyasint,omitempty"`
}

type ClientPINResponse struct {
	KeyAgreement    *crypto.COSEKey `cbor:"1,keyasint,omitempty"`
	PinToken        []byte          `cbor:"2,keyasint,omitempty"`
	Retries         uint            `cbor:"3,keyasint,omitempty"`
	PowerCycleState bool            `cbor:"4,keyasint,omitempty"`
	UVRetries       uint            `cbor:"5,keyasint,omitempty"`
}

func (t *Token) ClientPIN(req *ClientPINRequest) (*ClientPINResponse, error) {
	resp, err := t.roundTrip(cmdClientPIN, req)
	if err != nil {
		return nil, err
	}

	respData := &ClientPINResponse{}
	if err := unmarshal(resp, respData); err != nil {
		return nil, err
	}
	return respData, nil
}

// Reset restores the authenticator to a factory default state. User
// presence is required, and the device only accepts the command shortly
// after power up.
func (t *Token) Reset() error {
	resp, err := t.roundTrip(cmdReset, nil)
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

// roundTrip encodes cmd with an optional CBOR parameter map and performs
// one transport exchange. Transport failures come back wrapped so callers
// handle them like any other failed operation.
func (t *Token) roundTrip(cmd byte, req interface{}) ([]byte, error) {
	data := []byte{cmd}
	if req != nil {
		enc, err := cbor.CTAP2EncOptions().EncMode()
		if err != nil {
			return nil, err
		}
		reqData, err := enc.Marshal(req)
		if err != nil {
			return nil, err
		}
		data = append(data, reqData...)
	}

	t.logger.Debug("ctap2 request", "cmd", fmt.Sprintf("0x%02x", cmd), "hex", hex.EncodeToString(data[1:]))

	resp, err := t.t.SendCommand(data)
	if err != nil {
		return nil, fmt.Errorf("ctap2token: transport: %w", err)
	}

	t.logger.Debug("ctap2 response", "cmd", fmt.Sprintf("0x%02x", cmd), "hex", hex.EncodeToString(resp))
	return resp, nil
}

func checkResponse(resp []byte) error {
	if len(resp) == 0 {
		return errors.New("ctap2token: empty response")
	}
	if resp[0] != statusSuccess {
		return statusError(resp[0])
	}
	return nil
}

func unmarshal(resp []byte, out interface{}) error {
	if err := checkResponse(resp); err != nil {
		return err
	}
	if len(resp) == 1 {
		return nil
	}
	if err := cbor.Unmarshal(resp[1:], out); err != nil {
		return fmt.Errorf("ctap2token: malformed response body: %w", err)
	}
	return nil
}

// discardHandler drops all records; tokens log nothing unless a logger is
// provided.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
