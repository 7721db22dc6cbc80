// Package crypto models COSE public keys as returned by CTAP2
// authenticators and extracts the raw key material the SSH layer needs.
package crypto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSEKey, as defined per https://tools.ietf.org/html/rfc8152#section-7.1
// Only supports Elliptic Curve and Octet Key Pair public keys.
type COSEKey struct {
	Y     []byte    `cbor:"-3,keyasint,omitempty"`
	X     []byte    `cbor:"-2,keyasint,omitempty"`
	Curve CurveType `cbor:"-1,keyasint,omitempty"`

	KeyType KeyType        `cbor:"1,keyasint"`
	KeyID   []byte         `cbor:"2,keyasint,omitempty"`
	Alg     Alg            `cbor:"3,keyasint,omitempty"`
	KeyOps  []KeyOperation `cbor:"4,keyasint,omitempty"`
	BaseIV  []byte         `cbor:"5,keyasint,omitempty"`
}

// DecodeKey decodes a CBOR encoded COSE key map.
func DecodeKey(data []byte) (*COSEKey, error) {
	k := &COSEKey{}
	if err := cbor.Unmarshal(data, k); err != nil {
		return nil, fmt.Errorf("crypto: malformed COSE key map: %w", err)
	}
	return k, nil
}

func (k *COSEKey) CBOREncode() ([]byte, error) {
	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	return enc.Marshal(k)
}

const (
	// CoordinateSize is the length of a P-256 coordinate and of a raw
	// Ed25519 public key.
	CoordinateSize = 32
	// ECPointSize is the length of an uncompressed P-256 point, 0x04‖x‖y.
	ECPointSize = 1 + 2*CoordinateSize
)

// ECDSAKey returns the uncompressed P-256 point 0x04‖x‖y from an EC2 key.
func (k *COSEKey) ECDSAKey() ([]byte, error) {
	if k.KeyType != EC2 {
		return nil, fmt.Errorf("crypto: COSE key type is %d, want EC2 (2)", k.KeyType)
	}
	if len(k.X) != CoordinateSize {
		return nil, fmt.Errorf("crypto: EC2 x coordinate is %d bytes, want 32 bytes", len(k.X))
	}
	if len(k.Y) != CoordinateSize {
		return nil, fmt.Errorf("crypto: EC2 y coordinate is %d bytes, want 32 bytes", len(k.Y))
	}

	point := make([]byte, 0, ECPointSize)
	point = append(point, 0x04)
	point = append(point, k.X...)
	point = append(point, k.Y...)
	return point, nil
}

// Ed25519Key returns the raw 32 byte public key from an OKP key.
func (k *COSEKey) Ed25519Key() ([]byte, error) {
	if k.KeyType != OKP {
		return nil, fmt.Errorf("crypto: COSE key type is %d, want OKP (1)", k.KeyType)
	}
	if len(k.X) != CoordinateSize {
		return nil, fmt.Errorf("crypto: Ed25519 public key is %d bytes, want 32 bytes", len(k.X))
	}
	return k.X, nil
}

// KeyType defines a key type from https://tools.ietf.org/html/rfc8152#section-13
type KeyType int

const (
	// OKP is an Octet Key Pair
	OKP KeyType = 0x01
	// EC2 is an Elliptic Curve Key
	EC2 KeyType = 0x02
)

type CurveType int

const (
	P256    CurveType = 0x01
	P384    CurveType = 0x02
	P521    CurveType = 0x03
	X25519  CurveType = 0x04
	X448    CurveType = 0x05
	Ed25519 CurveType = 0x06
	Ed448   CurveType = 0x07
)

type KeyOperation int

const (
	Sign KeyOperation = iota + 1
	Verify
	Encrypt
	Decrypt
	WrapKey
	UnwrapKey
	DeriveKey
	DeriveBits
	MACCreate
	MACVerify
)

// Alg must be the value of one of the algorithms registered in
// https://www.iana.org/assignments/cose/cose.xhtml#algorithms.
type Alg int

const (
	RS256          Alg = -257 // RSASSA-PKCS1-v1_5 using SHA-256
	PS256          Alg = -37  // RSASSA-PSS w/ SHA-256
	ECDHES_HKDF256 Alg = -25  // ECDH-ES + HKDF-256
	EdDSA          Alg = -8   // EdDSA (Ed25519)
	ES256          Alg = -7   // ECDSA w/ SHA-256
)
