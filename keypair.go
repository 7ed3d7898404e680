package remote

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// configDirName is the directory under the user's home directory holding
// on-disk keypairs and the default broker pointer.
const configDirName = ".remote-sdk"

// KeyPair is a curve25519 keypair used to authenticate the trunk connection
// to a broker, stored on disk as base64 files keyed by the broker's fqdn.
// Immutable after load.
type KeyPair struct {
	public *[32]byte
	secret *[32]byte
}

// NewKeyPair generates a fresh curve25519 keypair.
func NewKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &KeyPair{public: pub, secret: sec}, nil
}

// Public returns the 32-byte public key.
func (k *KeyPair) Public() [32]byte { return *k.public }

// Secret returns the 32-byte secret key.
func (k *KeyPair) Secret() [32]byte { return *k.secret }

// PublicBase64 encodes the public key the way it is persisted on disk.
func (k *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", configErrorf("locating home directory: %v", err)
	}
	return filepath.Join(home, configDirName), nil
}

// LoadKeyPair reads the named fqdn's keypair from ~/.remote-sdk/<fqdn>
// (secret, base64, required) and ~/.remote-sdk/<fqdn>.pub (public, base64,
// optional — derived from the secret key when absent, as a fresh checkout
// of a previously-issued secret key has no public half cached yet).
func LoadKeyPair(fqdn string) (*KeyPair, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	secretPath := filepath.Join(dir, fqdn)
	secretB64, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, configErrorf("reading key file %s: %v", secretPath, err)
	}
	secretBytes, err := base64.StdEncoding.DecodeString(trimNewline(secretB64))
	if err != nil {
		return nil, configErrorf("decoding key file %s: %v", secretPath, err)
	}
	if len(secretBytes) != 32 {
		return nil, configErrorf("key file %s: expected 32 bytes, got %d", secretPath, len(secretBytes))
	}
	var secret [32]byte
	copy(secret[:], secretBytes)

	publicPath := secretPath + ".pub"
	publicB64, err := os.ReadFile(publicPath)
	if err != nil {
		var derivedPublic [32]byte
		curve25519.ScalarBaseMult(&derivedPublic, &secret)
		return &KeyPair{public: &derivedPublic, secret: &secret}, nil
	}
	publicBytes, err := base64.StdEncoding.DecodeString(trimNewline(publicB64))
	if err != nil {
		return nil, configErrorf("decoding key file %s: %v", publicPath, err)
	}
	if len(publicBytes) != 32 {
		return nil, configErrorf("key file %s: expected 32 bytes, got %d", publicPath, len(publicBytes))
	}
	var public [32]byte
	copy(public[:], publicBytes)

	return &KeyPair{public: &public, secret: &secret}, nil
}

// Save writes the keypair's secret and public halves to
// ~/.remote-sdk/<fqdn> and ~/.remote-sdk/<fqdn>.pub.
func (k *KeyPair) Save(fqdn string) error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return configErrorf("creating config directory %s: %v", dir, err)
	}
	secretPath := filepath.Join(dir, fqdn)
	if err := os.WriteFile(secretPath, []byte(base64.StdEncoding.EncodeToString(k.secret[:])), 0600); err != nil {
		return configErrorf("writing key file %s: %v", secretPath, err)
	}
	if err := os.WriteFile(secretPath+".pub", []byte(k.PublicBase64()), 0644); err != nil {
		return configErrorf("writing key file %s.pub: %v", secretPath, err)
	}
	return nil
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
