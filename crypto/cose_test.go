package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeKey(t *testing.T, k *COSEKey) []byte {
	t.Helper()
	data, err := k.CBOREncode()
	require.NoError(t, err)
	return data
}

func TestECDSAKey(t *testing.T) {
	x := bytes.Repeat([]byte{0x11}, 32)
	y := bytes.Repeat([]byte{0x22}, 32)

	k, err := DecodeKey(encodeKey(t, &COSEKey{KeyType: EC2, Curve: P256, X: x, Y: y}))
	require.NoError(t, err)

	point, err := k.ECDSAKey()
	require.NoError(t, err)
	require.Len(t, point, 65)
	require.Equal(t, byte(0x04), point[0])
	require.Equal(t, x, point[1:33])
	require.Equal(t, y, point[33:])
}

func TestECDSAKeyRejectsWrongType(t *testing.T) {
	k := &COSEKey{KeyType: OKP, X: make([]byte, 32)}
	_, err := k.ECDSAKey()
	require.Error(t, err)
	require.Contains(t, err.Error(), "EC2")
}

func TestECDSAKeyRejectsShortCoordinates(t *testing.T) {
	k := &COSEKey{KeyType: EC2, X: make([]byte, 16), Y: make([]byte, 32)}
	_, err := k.ECDSAKey()
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")

	k = &COSEKey{KeyType: EC2, X: make([]byte, 32), Y: make([]byte, 16)}
	_, err = k.ECDSAKey()
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")
}

func TestEd25519Key(t *testing.T) {
	raw := bytes.Repeat([]byte{0x33}, 32)

	k, err := DecodeKey(encodeKey(t, &COSEKey{KeyType: OKP, Curve: Ed25519, X: raw}))
	require.NoError(t, err)

	got, err := k.Ed25519Key()
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestEd25519KeyRejectsEC2(t *testing.T) {
	k := &COSEKey{KeyType: EC2, X: make([]byte, 32), Y: make([]byte, 32)}
	_, err := k.Ed25519Key()
	require.Error(t, err)
	require.Contains(t, err.Error(), "OKP")
}

func TestEd25519KeyRejectsShortKey(t *testing.T) {
	k := &COSEKey{KeyType: OKP, X: make([]byte, 16)}
	_, err := k.Ed25519Key()
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	_, err := DecodeKey([]byte{0xff, 0x00, 0x13})
	require.Error(t, err)
	require.Contains(t, err.Error(), "malformed COSE key")
}
