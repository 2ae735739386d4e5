package httptransport

import (
	"crypto/sha256"
	"encoding/hex"
)

// SecretDiag is a derived view of one configured secret, safe to expose on
// the debug endpoint: presence, length and a short hash prefix for
// comparing deployments, never the value itself.
type SecretDiag struct {
	Name       string `json:"name"`
	Set        bool   `json:"set"`
	Length     int    `json:"length"`
	HashPrefix string `json:"hash_prefix,omitempty"`
}

func NewSecretDiag(name, value string) SecretDiag {
	d := SecretDiag{Name: name, Set: value != "", Length: len(value)}
	if d.Set {
		sum := sha256.Sum256([]byte(value))
		d.HashPrefix = hex.EncodeToString(sum[:])[:8]
	}
	return d
}
