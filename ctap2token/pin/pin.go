// Package pin implements the CTAP2 PIN protocol version 1 exchange: an
// ECDH key agreement with the authenticator followed by AES-CBC transport
// of the hashed PIN, producing the pinAuth parameter other commands need.
package pin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/flynn/sshsk/crypto"
	"github.com/flynn/sshsk/ctap2token"
)

// ExchangePIN trades the user PIN for a pinAuth value over clientDataHash,
// following the shared-secret flow from the FIDO specification.
// see https://fidoalliance.org/specs/fido-v2.0-ps-20190130/fido-client-to-authenticator-protocol-v2.0-ps-20190130.html#gettingSharedSecret
func ExchangePIN(token *ctap2token.Token, userPIN, clientDataHash []byte) ([]byte, error) {
	b, bGX, bGY, err := elliptic.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	aGX, aGY, err := getTokenKeyAgreement(token)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := computeSharedSecret(b, aGX, aGY)
	if err != nil {
		return nil, err
	}

	encPinHash, err := hashEncryptPIN(userPIN, sharedSecret)
	if err != nil {
		return nil, err
	}

	pinToken, err := getPINToken(token, encPinHash, bGX, bGY)
	if err != nil {
		return nil, err
	}

	return computePINAuth(pinToken, sharedSecret, clientDataHash)
}

// Retries asks the authenticator how many PIN attempts remain before it
// locks.
func Retries(token *ctap2token.Token) (uint, error) {
	resp, err := token.ClientPIN(&ctap2token.ClientPINRequest{
		PinProtocol: ctap2token.PinProtoV1,
		SubCommand:  ctap2token.GetPINRetries,
	})
	if err != nil {
		return 0, err
	}
	return resp.Retries, nil
}

func getTokenKeyAgreement(token *ctap2token.Token) (aGX, aGY *big.Int, err error) {
	pinResp, err := token.ClientPIN(&ctap2token.ClientPINRequest{
		PinProtocol: ctap2token.PinProtoV1,
		SubCommand:  ctap2token.GetKeyAgreement,
	})
	if err != nil {
		return nil, nil, err
	}
	if pinResp.KeyAgreement == nil {
		return nil, nil, errors.New("ctap2token: keyAgreement missing from ClientPIN response")
	}

	aGX = new(big.Int)
	aGX.SetBytes(pinResp.KeyAgreement.X)

	aGY = new(big.Int)
	aGY.SetBytes(pinResp.KeyAgreement.Y)

	return aGX, aGY, nil
}

func computeSharedSecret(b []byte, aGX, aGY *big.Int) ([]byte, error) {
	rX, _ := elliptic.P256().ScalarMult(aGX, aGY, b)
	sha := sha256.New()
	if _, err := sha.Write(rX.Bytes()); err != nil {
		return nil, err
	}
	return sha.Sum(nil), nil
}

func hashEncryptPIN(userPIN []byte, sharedSecret []byte) ([]byte, error) {
	sha := sha256.New()
	if _, err := sha.Write(userPIN); err != nil {
		return nil, err
	}

	pinHash := sha.Sum(nil)
	pinHash = pinHash[:aes.BlockSize]

	// encrypt pinHash with AES-CBC using the shared secret
	pinHashEnc := make([]byte, aes.BlockSize)
	c, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	cbcEnc := cipher.NewCBCEncrypter(c, iv)
	cbcEnc.CryptBlocks(pinHashEnc, pinHash)

	return pinHashEnc, nil
}

func getPINToken(token *ctap2token.Token, encPinHash []byte, bGX, bGY *big.Int) ([]byte, error) {
	pinResp, err := token.ClientPIN(&ctap2token.ClientPINRequest{
		SubCommand: ctap2token.GetPINUvAuthTokenUsingPIN,
		KeyAgreement: &crypto.COSEKey{
			X:       bGX.Bytes(),
			Y:       bGY.Bytes(),
			KeyType: crypto.EC2,
			Curve:   crypto.P256,
			Alg:     crypto.ECDHES_HKDF256,
		},
		PinHashEnc:  encPinHash,
		PinProtocol: ctap2token.PinProtoV1,
	})
	if err != nil {
		return nil, err
	}

	return pinResp.PinToken, nil
}

func computePINAuth(pinToken, sharedSecret, data []byte) ([]byte, error) {
	// decrypt pinToken using AES-CBC with the shared secret
	clearPinToken := make([]byte, len(pinToken))
	c, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	cbcDec := cipher.NewCBCDecrypter(c, iv)
	cbcDec.CryptBlocks(clearPinToken, pinToken)

	// compute and return pinAuth
	mac := hmac.New(sha256.New, clearPinToken)
	if _, err := mac.Write(data); err != nil {
		return nil, err
	}
	pinAuth := mac.Sum(nil)
	return pinAuth[:16], nil
}
