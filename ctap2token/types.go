package ctap2token

import (
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/flynn/sshsk/crypto"
)

// CredentialRpEntity describes a Relying Party a credential is scoped to.
type CredentialRpEntity struct {
	ID   string `cbor:"id,omitempty"`
	Name string `cbor:"name,omitempty"`
	Icon string `cbor:"icon,omitempty"`
}

// CredentialUserEntity describes the user account a credential belongs to.
type CredentialUserEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
	Icon        string `cbor:"icon,omitempty"`
}

type AuthData []byte

const authDataMinLength = 37

// Flags returns the flags byte, or zero when the data is too short to
// carry one.
func (a AuthData) Flags() byte {
	if len(a) <= 32 {
		return 0
	}
	return a[32]
}

// SignCount returns the big-endian signature counter, or zero when the
// data is too short.
func (a AuthData) SignCount() uint32 {
	if len(a) < authDataMinLength {
		return 0
	}
	return binary.BigEndian.Uint32(a[33:authDataMinLength])
}

func (a AuthData) Parse() (*ParsedAuthData, error) {
	if len(a) < authDataMinLength {
		return nil, errors.New("ctap2token: invalid authData")
	}

	out := &ParsedAuthData{
		RPIDHash: a[:32],
		Flags: AuthDataFlag{
			UserPresent:            (a[32]&authDataFlagUP == authDataFlagUP),
			UserVerified:           (a[32]&authDataFlagUV == authDataFlagUV),
			AttestedCredentialData: (a[32]&authDataFlagAT == authDataFlagAT),
			HasExtensions:          (a[32]&authDataFlagED == authDataFlagED),
		},
		SignCount: binary.BigEndian.Uint32(a[33:authDataMinLength]),
	}

	if out.Flags.AttestedCredentialData {
		if len(a) <= authDataMinLength+16+2 {
			return nil, errors.New("ctap2token: missing attestedCredentialData")
		}

		out.AttestedCredentialData = &AttestedCredentialData{
			AAGUID: a[authDataMinLength:53],
		}

		credIDLen := binary.BigEndian.Uint16(a[53:55])
		if len(a) < 55+int(credIDLen) {
			return nil, errors.New("ctap2token: truncated credential ID")
		}
		out.AttestedCredentialData.CredentialID = a[55 : 55+credIDLen]

		// a[55+credIDLen:] may contain the COSE key plus an extensions
		// map; the decoder reads the key and drops the rest.
		out.AttestedCredentialData.CredentialPublicKey = &crypto.COSEKey{}
		if err := cbor.Unmarshal(a[55+credIDLen:], out.AttestedCredentialData.CredentialPublicKey); err != nil {
			return nil, err
		}
	}

	return out, nil
}

type ParsedAuthData struct {
	RPIDHash               []byte // 32 byte SHA-256 of the RP ID
	Flags                  AuthDataFlag
	SignCount              uint32
	AttestedCredentialData *AttestedCredentialData
}

const (
	authDataFlagUP = 1 << iota
	authDataFlagReserved1
	authDataFlagUV
	authDataFlagReserved2
	authDataFlagReserved3
	authDataFlagReserved4
	authDataFlagAT
	authDataFlagED
)

type AuthDataFlag struct {
	UserPresent            bool
	UserVerified           bool
	AttestedCredentialData bool
	HasExtensions          bool
}

type AttestedCredentialData struct {
	AAGUID              []byte // 16 byte authenticator model ID
	CredentialID        []byte
	CredentialPublicKey *crypto.COSEKey
}

// CredentialType defines the type of credential, as defined in
// https://www.w3.org/TR/webauthn/#credentialType
type CredentialType string

const (
	PublicKey CredentialType = "public-key"
)

// CredentialDescriptor identifies a credential to the authenticator, as
// defined by https://www.w3.org/TR/webauthn/#credential-dictionary
type CredentialDescriptor struct {
	ID   []byte         `cbor:"id"`
	Type CredentialType `cbor:"type"`
}

type AuthenticatorExtensions map[string]interface{}

type AuthenticatorOptions map[string]bool

type PinUVAuthProtocolVersion uint

const (
	PinProtoV1 PinUVAuthProtocolVersion = 1
)

type ClientPinSubCommand uint

const (
	GetPINRetries             ClientPinSubCommand = 0x01
	GetKeyAgreement           ClientPinSubCommand = 0x02
	SetPIN                    ClientPinSubCommand = 0x03
	ChangePIN                 ClientPinSubCommand = 0x04
	GetPINUvAuthTokenUsingPIN ClientPinSubCommand = 0x05
	GetPINUvAuthTokenUsingUv  ClientPinSubCommand = 0x06
	GetUVRetries              ClientPinSubCommand = 0x07
)
