// Package skssh encodes and decodes the OpenSSH "security-key" public-key
// and signature wire formats (sk-ecdsa-sha2-nistp256@openssh.com and
// sk-ssh-ed25519@openssh.com), as specified by OpenSSH's PROTOCOL.u2f
// notes.
package skssh

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

const (
	KeyAlgoSKECDSA256 = "sk-ecdsa-sha2-nistp256@openssh.com"
	KeyAlgoSKED25519  = "sk-ssh-ed25519@openssh.com"

	curveNameP256 = "nistp256"

	// ECPointSize is the length of an uncompressed P-256 point, 0x04‖x‖y.
	ECPointSize = 65
	// Ed25519KeySize is the length of a raw Ed25519 public key.
	Ed25519KeySize = 32
)

// A PublicKey is an OpenSSH security-key public key. It satisfies the
// golang.org/x/crypto/ssh PublicKey contract for the offer phase of
// authentication.
type PublicKey interface {
	ssh.PublicKey
	// Application returns the relying party the key is scoped to (for SSH
	// keys, the fixed string "ssh:" or a suffixed variant).
	Application() string
}

// ECDSAPublicKey is an sk-ecdsa-sha2-nistp256@openssh.com public key.
type ECDSAPublicKey struct {
	// App is the application (relying party ID) string.
	App string
	// Point is the 65 byte uncompressed curve point 0x04‖x‖y.
	Point []byte
}

var _ PublicKey = (*ECDSAPublicKey)(nil)

func (k *ECDSAPublicKey) Type() string { return KeyAlgoSKECDSA256 }

func (k *ECDSAPublicKey) Application() string { return k.App }

// Marshal returns the SSH wire encoding: key type, curve name, EC point,
// application.
func (k *ECDSAPublicKey) Marshal() []byte {
	var b bytes.Buffer
	writeString(&b, []byte(KeyAlgoSKECDSA256))
	writeString(&b, []byte(curveNameP256))
	writeString(&b, k.Point)
	writeString(&b, []byte(k.App))
	return b.Bytes()
}

// Equal reports content equality with other.
func (k *ECDSAPublicKey) Equal(other *ECDSAPublicKey) bool {
	return other != nil && k.App == other.App && bytes.Equal(k.Point, other.Point)
}

// Verify checks an sk-ecdsa signature over data. The signature's Rest
// carries the flags byte and counter from which the authenticator data is
// reconstructed.
func (k *ECDSAPublicKey) Verify(data []byte, sig *ssh.Signature) error {
	if sig.Format != k.Type() {
		return fmt.Errorf("skssh: signature format %q does not match key type %q", sig.Format, k.Type())
	}
	if len(k.Point) != ECPointSize || k.Point[0] != 0x04 {
		return fmt.Errorf("skssh: malformed EC point")
	}

	rBytes, rest, err := readString(sig.Blob)
	if err != nil {
		return fmt.Errorf("skssh: malformed ECDSA signature blob: %w", err)
	}
	sBytes, _, err := readString(rest)
	if err != nil {
		return fmt.Errorf("skssh: malformed ECDSA signature blob: %w", err)
	}

	flags, counter, err := parseTrailer(sig.Rest)
	if err != nil {
		return err
	}

	signed := signedMessage(k.App, flags, counter, data)
	digest := sha256.Sum256(signed)

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(k.Point[1:33]),
		Y:     new(big.Int).SetBytes(k.Point[33:]),
	}
	if !ecdsa.Verify(pub, digest[:], new(big.Int).SetBytes(rBytes), new(big.Int).SetBytes(sBytes)) {
		return fmt.Errorf("skssh: ECDSA verification failed")
	}
	return nil
}

// Ed25519PublicKey is an sk-ssh-ed25519@openssh.com public key.
type Ed25519PublicKey struct {
	App string
	// Key is the raw 32 byte public key.
	Key []byte
}

var _ PublicKey = (*Ed25519PublicKey)(nil)

func (k *Ed25519PublicKey) Type() string { return KeyAlgoSKED25519 }

func (k *Ed25519PublicKey) Application() string { return k.App }

// Marshal returns the SSH wire encoding: key type, raw key, application.
func (k *Ed25519PublicKey) Marshal() []byte {
	var b bytes.Buffer
	writeString(&b, []byte(KeyAlgoSKED25519))
	writeString(&b, k.Key)
	writeString(&b, []byte(k.App))
	return b.Bytes()
}

// Equal reports content equality with other.
func (k *Ed25519PublicKey) Equal(other *Ed25519PublicKey) bool {
	return other != nil && k.App == other.App && bytes.Equal(k.Key, other.Key)
}

// Verify checks an sk-ed25519 signature over data.
func (k *Ed25519PublicKey) Verify(data []byte, sig *ssh.Signature) error {
	if sig.Format != k.Type() {
		return fmt.Errorf("skssh: signature format %q does not match key type %q", sig.Format, k.Type())
	}
	if len(k.Key) != Ed25519KeySize {
		return fmt.Errorf("skssh: Ed25519 public key is %d bytes, want 32 bytes", len(k.Key))
	}

	flags, counter, err := parseTrailer(sig.Rest)
	if err != nil {
		return err
	}

	signed := signedMessage(k.App, flags, counter, data)
	if !ed25519.Verify(ed25519.PublicKey(k.Key), signed, sig.Blob) {
		return fmt.Errorf("skssh: Ed25519 verification failed")
	}
	return nil
}

// signedMessage reconstructs the buffer the authenticator signed:
// SHA256(application) ‖ flags ‖ counter ‖ SHA256(data).
func signedMessage(app string, flags byte, counter uint32, data []byte) []byte {
	appHash := sha256.Sum256([]byte(app))
	dataHash := sha256.Sum256(data)

	msg := make([]byte, 0, len(appHash)+5+len(dataHash))
	msg = append(msg, appHash[:]...)
	msg = append(msg, flags)
	msg = binary.BigEndian.AppendUint32(msg, counter)
	msg = append(msg, dataHash[:]...)
	return msg
}

func parseTrailer(rest []byte) (flags byte, counter uint32, err error) {
	if len(rest) != 5 {
		return 0, 0, fmt.Errorf("skssh: signature trailer is %d bytes, want 5", len(rest))
	}
	return rest[0], binary.BigEndian.Uint32(rest[1:5]), nil
}

// ParsePublicKey decodes a wire format security-key public key with its
// key type prefix present.
func ParsePublicKey(data []byte) (PublicKey, error) {
	algo, _, err := readString(data)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed public key: %w", err)
	}
	switch string(algo) {
	case KeyAlgoSKECDSA256:
		return ParseECDSAPublicKey(data)
	case KeyAlgoSKED25519:
		return ParseEd25519PublicKey(data)
	default:
		return nil, fmt.Errorf("skssh: unsupported key type %q", string(algo))
	}
}

// ParseECDSAPublicKey decodes an sk-ecdsa public key. The key type string
// may be present as the first field or already stripped by the caller.
func ParseECDSAPublicKey(data []byte) (*ECDSAPublicKey, error) {
	first, rest, err := readString(data)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed public key: %w", err)
	}
	if string(first) == KeyAlgoSKECDSA256 {
		first, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("skssh: malformed public key: %w", err)
		}
	}
	if string(first) != curveNameP256 {
		return nil, fmt.Errorf("skssh: unsupported curve %q", string(first))
	}

	point, rest, err := readString(rest)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed public key: %w", err)
	}
	if len(point) != ECPointSize || point[0] != 0x04 {
		return nil, fmt.Errorf("skssh: EC point is %d bytes, want 65 byte uncompressed point", len(point))
	}

	app, _, err := readString(rest)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed public key: %w", err)
	}

	return &ECDSAPublicKey{App: string(app), Point: point}, nil
}

// ParseEd25519PublicKey decodes an sk-ed25519 public key. The key type
// string may be present or stripped; the raw key is recognized by its
// fixed 32 byte length.
func ParseEd25519PublicKey(data []byte) (*Ed25519PublicKey, error) {
	first, rest, err := readString(data)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed public key: %w", err)
	}
	if string(first) == KeyAlgoSKED25519 {
		first, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("skssh: malformed public key: %w", err)
		}
	}
	if len(first) != Ed25519KeySize {
		return nil, fmt.Errorf("skssh: Ed25519 public key is %d bytes, want 32 bytes", len(first))
	}

	app, _, err := readString(rest)
	if err != nil {
		return nil, fmt.Errorf("skssh: malformed public key: %w", err)
	}

	return &Ed25519PublicKey{App: string(app), Key: first}, nil
}
