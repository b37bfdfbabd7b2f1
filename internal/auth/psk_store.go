package auth

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"ospagent/internal/agentcert"
	"ospagent/internal/ospcore"
)

// pskLength is the number of random bytes behind a generated PSK, base32
// encoded into a 13-character code a user can read aloud and type back.
const pskLength = 8

// GeneratePSK produces a fresh presenter-side PSK. The original leaves
// "display the PSK" as caller responsibility; this is the concrete value
// cmd/osp-agent pair hands the presenter to show.
func GeneratePSK() (string, error) {
	raw := make([]byte, pskLength)
	if _, err := rand.Read(raw); err != nil {
		return "", ospcore.Wrap(ospcore.TransientIO, "auth: psk generation failed", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// PSKStore persists a single sealed-at-rest PSK record on disk, keyed by
// the node's own certificate so the sealed blob is useless once copied to
// a different agent's data directory. Sealing uses the same
// XChaCha20-Poly1305 AEAD the certificate's donor codebase uses for every
// at-rest secret, keyed directly off the raw fingerprint bytes since a
// SHA-256 digest is already the right size for a symmetric key.
type PSKStore struct {
	path string
}

func NewPSKStore(path string) *PSKStore {
	return &PSKStore{path: path}
}

// Save seals psk under a key derived from cert's fingerprint and writes it
// to disk, replacing any existing record.
func (s *PSKStore) Save(psk string, cert *agentcert.Cert) error {
	key, err := sealingKey(cert)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return ospcore.Wrap(ospcore.Precondition, "auth: psk aead init failed", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return ospcore.Wrap(ospcore.TransientIO, "auth: psk nonce generation failed", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(psk), nil)
	record := base64.StdEncoding.EncodeToString(nonce) + "." + base64.StdEncoding.EncodeToString(sealed)
	if err := os.WriteFile(s.path, []byte(record), 0o600); err != nil {
		return ospcore.Wrap(ospcore.TransientIO, "auth: psk store write failed", err)
	}
	return nil
}

// Load reverses Save, failing with a Credential error if the record is
// absent, malformed, or was sealed under a different certificate.
func (s *PSKStore) Load(cert *agentcert.Cert) (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", ospcore.Wrap(ospcore.Credential, "auth: psk store read failed", err)
	}
	nonceB64, sealedB64, ok := splitOnce(string(raw), '.')
	if !ok {
		return "", ospcore.NewCredential("auth: malformed psk record")
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return "", ospcore.Wrap(ospcore.Credential, "auth: malformed psk record nonce", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return "", ospcore.Wrap(ospcore.Credential, "auth: malformed psk record body", err)
	}
	key, err := sealingKey(cert)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ospcore.Wrap(ospcore.Precondition, "auth: psk aead init failed", err)
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ospcore.Wrap(ospcore.Credential, "auth: psk record does not open under this certificate", err)
	}
	return string(plain), nil
}

func sealingKey(cert *agentcert.Cert) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(cert.Fingerprint())
	if err != nil {
		return nil, ospcore.Wrap(ospcore.Precondition, "auth: certificate fingerprint is not valid base64", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, ospcore.NewPrecondition("auth: certificate fingerprint is not a usable key size")
	}
	return raw, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
