package agentcert

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"

	"ospagent/internal/ospcore"
)

// parsePrivateKeyDER accepts any of the private key encodings x509 knows
// how to parse (PKCS#8 covers ECDSA, Ed25519 and RSA; PKCS#1/SEC1 cover the
// older RSA/EC-specific encodings some tooling still emits).
func parsePrivateKeyDER(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key.(type) {
		case *ecdsa.PrivateKey, ed25519.PrivateKey, *rsa.PrivateKey:
			return key, nil
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, ospcore.NewPrecondition("agentcert: unrecognized private key encoding")
}
