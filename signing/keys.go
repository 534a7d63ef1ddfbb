package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is used for generated keys when none is requested.
const DefaultAlgorithm = jose.ES256

// rsaKeyBits is the modulus size for generated RSA keys.
const rsaKeyBits = 3072

var (
	// ErrUnsupportedKey is returned for key types or curves that cannot sign JWTs.
	ErrUnsupportedKey = errors.New("unsupported signing key")

	// ErrUnsupportedAlgorithm is returned when a key cannot be generated for an algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
)

// Key is a private signing key with its derived metadata.
type Key struct {
	// ID is the RFC 7638 thumbprint of the public key.
	ID string

	// Algorithm is the JWS algorithm the key signs with.
	Algorithm jose.SignatureAlgorithm

	// Signer holds the private key.
	Signer crypto.Signer

	// CreatedAt is when the key was generated or loaded.
	CreatedAt time.Time

	// RetireAt is when a retired key stops verifying. Zero for the active key.
	RetireAt time.Time
}

// NewKey derives the key ID and algorithm for signer.
func NewKey(signer crypto.Signer) (*Key, error) {
	alg, err := algorithmFor(signer)
	if err != nil {
		return nil, err
	}

	thumb, err := (&jose.JSONWebKey{Key: signer.Public()}).Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	return &Key{
		ID:        base64.RawURLEncoding.EncodeToString(thumb),
		Algorithm: alg,
		Signer:    signer,
		CreatedAt: time.Now(),
	}, nil
}

// Public returns the JWK form of the public half of the key.
func (k *Key) Public() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Signer.Public(),
		KeyID:     k.ID,
		Algorithm: string(k.Algorithm),
		Use:       "sig",
	}
}

// GenerateKey creates a fresh key for alg. An empty alg means DefaultAlgorithm.
func GenerateKey(alg jose.SignatureAlgorithm) (*Key, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}

	var (
		signer crypto.Signer
		err    error
	)
	switch alg {
	case jose.ES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jose.ES384:
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jose.ES512:
		signer, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jose.RS256:
		signer, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case jose.EdDSA:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}

	return NewKey(signer)
}

// LoadKeyFile reads a PEM encoded private key from path.
func LoadKeyFile(path string) (*Key, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	signer, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewKey(signer)
}

// ParsePrivateKeyPEM decodes the first PEM block in data. PKCS#1, SEC 1
// and PKCS#8 encodings are accepted.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return signer, nil
}

// EncodePEM returns the PKCS#8 PEM encoding of the private key.
func EncodePEM(k *Key) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// WriteKeyFile writes k to path readable only by the owner.
func WriteKeyFile(path string, k *Key) error {
	data, err := EncodePEM(k)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	return nil
}

func algorithmFor(signer crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return "", fmt.Errorf("%w: RSA key of %d bits", ErrUnsupportedKey, k.N.BitLen())
		}
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, signer)
	}
}
