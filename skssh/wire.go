package skssh

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var errShortBuffer = errors.New("skssh: short buffer")

func writeString(b *bytes.Buffer, s []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	b.Write(l[:])
	b.Write(s)
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var u [4]byte
	binary.BigEndian.PutUint32(u[:], v)
	b.Write(u[:])
}

// writeMPInt writes v as an SSH mpint: leading zero bytes stripped to the
// minimal encoding, with an extra zero byte injected when the high bit of
// the first significant byte is set. An all-zero value keeps a single zero
// byte.
func writeMPInt(b *bytes.Buffer, v []byte) {
	for len(v) > 1 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) == 0 {
		v = []byte{0}
	}
	if v[0]&0x80 != 0 {
		writeUint32(b, uint32(len(v)+1))
		b.WriteByte(0)
		b.Write(v)
		return
	}
	writeString(b, v)
}

func readString(data []byte) (s, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errShortBuffer
	}
	l := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < l {
		return nil, nil, errShortBuffer
	}
	return data[4 : 4+l], data[4+l:], nil
}
