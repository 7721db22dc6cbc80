// Package ctapnfc implements CTAP2 message framing over ISO 7816-4 APDUs
// for contactless security keys: FIDO applet selection, command chaining
// for oversized payloads, and GET RESPONSE continuation.
package ctapnfc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sf1/go-card/smartcard"

	"github.com/flynn/sshsk/transport"
)

const (
	// claMsg carries the final (or only) chunk of an NFCCTAP_MSG command,
	// claChain every chunk before it.
	claMsg   = 0x80
	claChain = 0x90

	insMsg         = 0x10
	insSelect      = 0xa4
	insGetResponse = 0xc0

	swSuccess   = 0x9000
	sw1MoreData = 0x61

	// maxChunk is the largest data field sent in a single APDU.
	maxChunk = 255

	// transceiveTimeout is generous because a round trip may include the
	// user moving the key onto the reader.
	transceiveTimeout = 30 * time.Second
)

// fidoAID is the registered FIDO2 applet identifier.
var fidoAID = []byte{0xa0, 0x00, 0x00, 0x06, 0x47, 0x2f, 0x00, 0x01}

// A Card is the contactless link a Transport drives.
type Card interface {
	TransmitAPDU(cmd []byte) ([]byte, error)
}

// pcscCard adapts a PCSC card handle to the Card seam.
type pcscCard struct {
	card *smartcard.Card
}

func (c pcscCard) TransmitAPDU(cmd []byte) ([]byte, error) {
	return c.card.TransmitAPDU(cmd)
}

// A Transport is a connected NFC session with the FIDO applet selected.
type Transport struct {
	card    Card
	name    string
	release func()

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// Connect selects the FIDO applet on card and returns a ready transport.
// name identifies the reader or tag for diagnostics.
func Connect(card Card, name string) (*Transport, error) {
	t := &Transport{card: card, name: name}

	apdu := make([]byte, 0, 6+len(fidoAID))
	apdu = append(apdu, 0x00, insSelect, 0x04, 0x00, byte(len(fidoAID)))
	apdu = append(apdu, fidoAID...)
	apdu = append(apdu, 0x00)

	resp, err := t.transceive(apdu)
	if err != nil {
		return nil, err
	}
	if sw := statusWord(resp); sw != swSuccess {
		return nil, transport.Errorf(transport.NFC, "FIDO applet selection failed: status %04x", sw)
	}
	return t, nil
}

// Await blocks until a card is presented to a PCSC reader, then connects
// and selects the FIDO applet. Closing the returned transport releases the
// card and the PCSC context.
func Await() (*Transport, error) {
	ctx, err := smartcard.EstablishContext()
	if err != nil {
		return nil, err
	}
	reader, err := ctx.WaitForCardPresent()
	if err != nil {
		ctx.Release() //nolint:errcheck
		return nil, err
	}
	card, err := reader.Connect()
	if err != nil {
		ctx.Release() //nolint:errcheck
		return nil, err
	}

	t, err := Connect(pcscCard{card: card}, reader.Name())
	if err != nil {
		card.Disconnect() //nolint:errcheck
		ctx.Release()     //nolint:errcheck
		return nil, err
	}
	t.release = func() {
		card.Disconnect() //nolint:errcheck
		ctx.Release()     //nolint:errcheck
	}
	return t, nil
}

// SendCommand sends a CTAP2 message, chaining chunks when the payload does
// not fit a single APDU, and reassembles the response across GET RESPONSE
// continuations.
func (t *Transport) SendCommand(cmd []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.Errorf(transport.NFC, "transport is closed")
	}

	for len(cmd) > maxChunk {
		chunk := cmd[:maxChunk]
		cmd = cmd[maxChunk:]

		apdu := make([]byte, 0, 5+len(chunk))
		apdu = append(apdu, claChain, insMsg, 0x00, 0x00, byte(len(chunk)))
		apdu = append(apdu, chunk...)

		resp, err := t.transceive(apdu)
		if err != nil {
			return nil, err
		}
		if sw := statusWord(resp); sw != swSuccess {
			return nil, transport.Errorf(transport.NFC, "command chaining failed: status %04x", sw)
		}
		if len(resp) > 2 {
			return nil, transport.Errorf(transport.NFC, "unexpected data in chaining response (%d bytes)", len(resp)-2)
		}
	}

	apdu := make([]byte, 0, 6+len(cmd))
	apdu = append(apdu, claMsg, insMsg, 0x00, 0x00, byte(len(cmd)))
	apdu = append(apdu, cmd...)
	apdu = append(apdu, 0x00)

	resp, err := t.transceive(apdu)
	if err != nil {
		return nil, err
	}

	var data []byte
	for {
		if len(resp) < 2 {
			return nil, transport.Errorf(transport.NFC, "short response (%d bytes)", len(resp))
		}
		sw := statusWord(resp)
		data = append(data, resp[:len(resp)-2]...)

		switch {
		case sw == swSuccess:
			return data, nil
		case resp[len(resp)-2] == sw1MoreData:
			// SW2 is the number of bytes still buffered on the card,
			// 0x00 meaning 256.
			le := resp[len(resp)-1]
			resp, err = t.transceive([]byte{0x00, insGetResponse, 0x00, 0x00, le})
			if err != nil {
				return nil, err
			}
		default:
			return nil, transport.Errorf(transport.NFC, "command failed: status %04x", sw)
		}
	}
}

func (t *Transport) Type() transport.Type { return transport.NFC }

func (t *Transport) DeviceName() string { return t.name }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close releases the card session. Safe to call multiple times.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.release != nil {
		t.release()
	}
}

func (t *Transport) transceive(apdu []byte) ([]byte, error) {
	type result struct {
		resp []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := t.card.TransmitAPDU(apdu)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &transport.Error{Transport: transport.NFC, Msg: "transceive failed", Cause: r.err}
		}
		return r.resp, nil
	case <-time.After(transceiveTimeout):
		return nil, transport.Errorf(transport.NFC, "transceive timeout")
	}
}

func statusWord(resp []byte) uint16 {
	if len(resp) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(resp[len(resp)-2:])
}
