package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// codeAlphabet leaves out characters that are easy to misread on a
// printed QR label (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewClaimCode returns a random code of length n drawn from codeAlphabet.
func NewClaimCode(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[k.Int64()]
	}
	return string(out), nil
}

// RandomHex returns n bytes of secure random data, hex encoded.  It is
// used for claim secrets.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
