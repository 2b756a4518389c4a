package proto

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// SignHandshake returns the keyed BLAKE2b-256 signature over the identity
// fields of h. The upstream identity service holds the same secret.
func SignHandshake(secret []byte, h Handshake) string {
	mac, err := blake2b.New256(secret)
	if err != nil {
		// Only returned for keys longer than 64 bytes.
		return ""
	}
	mac.Write([]byte(h.UserID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(h.DeviceID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(h.DeviceType))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHandshake checks h.Sig against secret in constant time.
func VerifyHandshake(secret []byte, h Handshake) bool {
	want := SignHandshake(secret, h)
	if want == "" || h.Sig == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(h.Sig)) == 1
}
