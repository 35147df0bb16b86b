// Package signature implements the webhook signing scheme of the QQ bot
// platform: an Ed25519 key pair derived deterministically from the account
// app secret.
//
// The platform never shares key material. Both sides derive the same key
// pair from the shared secret: the secret is self-concatenated until it
// reaches the Ed25519 seed size and truncated to exactly 32 bytes. The
// platform's published worked example does not reproduce under this
// derivation; the scheme here follows the platform SDKs, which are the
// behavior the live endpoint actually checks against.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
)

// SeedSize is the Ed25519 seed length in bytes.
const SeedSize = ed25519.SeedSize

// DeriveSeed expands secret into a signing seed. The secret is repeated
// until its UTF-8 byte length reaches SeedSize, then truncated to exactly
// SeedSize bytes. Pure function of the secret. An empty secret, rejected
// at config load, yields the zero seed to keep the function total.
func DeriveSeed(secret string) []byte {
	if secret == "" {
		return make([]byte, SeedSize)
	}
	seed := secret
	for len(seed) < SeedSize {
		seed += seed
	}
	return []byte(seed)[:SeedSize]
}

// Keypair derives the Ed25519 key pair for secret. Deterministic: the same
// secret always yields the same pair, so callers may cache it per account
// or recompute per use.
func Keypair(secret string) (ed25519.PublicKey, ed25519.PrivateKey) {
	priv := ed25519.NewKeyFromSeed(DeriveSeed(secret))
	return priv.Public().(ed25519.PublicKey), priv
}

// Sign signs eventTs + plainToken with the key derived from secret and
// returns the hex-encoded signature. This is the response half of the
// endpoint validation challenge.
func Sign(secret, eventTs, plainToken string) string {
	_, priv := Keypair(secret)
	sig := ed25519.Sign(priv, []byte(eventTs+plainToken))
	return hex.EncodeToString(sig)
}

// Verify reports whether hexSig is a valid signature over timestamp + body
// under the key pair derived from secret. Malformed hex or a wrong-length
// signature verifies as false, never as an error.
func Verify(secret, hexSig, timestamp string, body []byte) bool {
	sig, err := hex.DecodeString(hexSig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, _ := Keypair(secret)
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(pub, msg, sig)
}
