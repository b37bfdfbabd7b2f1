package auth

import (
	"crypto/ecdh"
	"crypto/sha512"
	"encoding/base64"

	"ospagent/internal/ospcore"
)

// derivePrivateKey turns a party's own base64 fingerprint into its P-256
// private scalar: the raw bytes of the base64-decoded fingerprint are used
// directly as the scalar, exactly as a SHA-256 digest (what a fingerprint
// actually is) is already the right size for a P-256 private key.
func derivePrivateKey(fingerprint string) (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil {
		return nil, ospcore.Wrap(ospcore.Credential, "auth: fingerprint is not valid base64", err)
	}
	key, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, ospcore.Wrap(ospcore.Credential, "auth: fingerprint does not decode to a valid P-256 scalar", err)
	}
	return key, nil
}

// publicValue returns the uncompressed point encoding of priv's public key,
// the wire form of every public_value field in a Spake2Handshake message.
func publicValue(priv *ecdh.PrivateKey) []byte {
	return priv.PublicKey().Bytes()
}

// sharedKey computes SHA-512( ECDH(self, peerPublicValue) || password ),
// the 64-byte confirmation value both sides must agree on byte-for-byte.
func sharedKey(self *ecdh.PrivateKey, peerPublicValue []byte, password string) ([]byte, error) {
	peerKey, err := ecdh.P256().NewPublicKey(peerPublicValue)
	if err != nil {
		return nil, ospcore.Wrap(ospcore.RemoteProtocol, "auth: malformed peer public value", err)
	}
	ecdhSecret, err := self.ECDH(peerKey)
	if err != nil {
		return nil, ospcore.Wrap(ospcore.RemoteProtocol, "auth: ecdh failed", err)
	}
	h := sha512.New()
	h.Write(ecdhSecret)
	h.Write([]byte(password))
	return h.Sum(nil), nil
}
