package skssh

import (
	"bytes"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

const (
	ecdsaScalarSize = 32

	// Ed25519SignatureSize is the length of a raw Ed25519 signature.
	Ed25519SignatureSize = 64

	trailerSize = 5 // flags byte + big-endian counter
	derTag      = 0x30
)

// A Signature is a decoded security-key SSH signature: the algorithm
// specific blob plus the authenticator's flags byte and signature counter.
type Signature struct {
	Format string
	// Blob is two mpints (r, s) for ECDSA, the raw 64 byte value for
	// Ed25519.
	Blob    []byte
	Flags   byte
	Counter uint32
}

// SSH converts the signature to the golang.org/x/crypto/ssh layout, with
// the flags and counter marshaled into Rest.
func (s *Signature) SSH() *ssh.Signature {
	return &ssh.Signature{
		Format: s.Format,
		Blob:   s.Blob,
		Rest: ssh.Marshal(struct {
			Flags   byte
			Counter uint32
		}{s.Flags, s.Counter}),
	}
}

// EncodeECDSASignature builds the sk-ecdsa-sha2-nistp256@openssh.com wire
// signature. sig may be DER (SEQUENCE of two INTEGERs) or the raw 64 byte
// r‖s concatenation; both encode to the identical blob.
func EncodeECDSASignature(sig []byte, flags byte, counter uint32) ([]byte, error) {
	r, s, err := splitECDSASignature(sig)
	if err != nil {
		return nil, err
	}

	var inner bytes.Buffer
	writeMPInt(&inner, r)
	writeMPInt(&inner, s)

	var b bytes.Buffer
	writeString(&b, []byte(KeyAlgoSKECDSA256))
	writeString(&b, inner.Bytes())
	b.WriteByte(flags)
	writeUint32(&b, counter)
	return b.Bytes(), nil
}

// EncodeEd25519Signature builds the sk-ssh-ed25519@openssh.com wire
// signature. sig must be at least 64 bytes; when longer, the raw value is
// the last 64 bytes (tolerating envelope bytes some stacks prepend).
func EncodeEd25519Signature(sig []byte, flags byte, counter uint32) ([]byte, error) {
	if len(sig) < Ed25519SignatureSize {
		return nil, fmt.Errorf("skssh: Ed25519 signature is %d bytes, want at least 64", len(sig))
	}
	sig = sig[len(sig)-Ed25519SignatureSize:]

	var b bytes.Buffer
	writeString(&b, []byte(KeyAlgoSKED25519))
	writeString(&b, sig)
	b.WriteByte(flags)
	writeUint32(&b, counter)
	return b.Bytes(), nil
}

// ParseSignature decodes a wire format security-key signature.
func ParseSignature(data []byte) (*Signature, error) {
	format, rest, err := readString(data)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed signature: %w", err)
	}
	switch string(format) {
	case KeyAlgoSKECDSA256, KeyAlgoSKED25519:
	default:
		return nil, fmt.Errorf("skssh: unsupported signature type %q", string(format))
	}

	blob, rest, err := readString(rest)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed signature: %w", err)
	}
	if len(rest) != trailerSize {
		return nil, fmt.Errorf("skssh: signature trailer is %d bytes, want 5", len(rest))
	}

	return &Signature{
		Format:  string(format),
		Blob:    blob,
		Flags:   rest[0],
		Counter: binary.BigEndian.Uint32(rest[1:5]),
	}, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// splitECDSASignature extracts r and s from sig. The format is sniffed
// structurally: input counts as DER only when it starts with the SEQUENCE
// tag and parses completely; everything else, corrupt DER included, is
// treated as the raw r‖s concatenation.
func splitECDSASignature(sig []byte) (r, s []byte, err error) {
	if len(sig) > 0 && sig[0] == derTag {
		var parsed ecdsaSignature
		if rest, err := asn1.Unmarshal(sig, &parsed); err == nil && len(rest) == 0 {
			return parsed.R.Bytes(), parsed.S.Bytes(), nil
		}
	}

	if len(sig) != 2*ecdsaScalarSize {
		return nil, nil, fmt.Errorf("skssh: ECDSA signature is %d bytes, want DER or 64 byte r‖s", len(sig))
	}
	return sig[:ecdsaScalarSize], sig[ecdsaScalarSize:], nil
}
