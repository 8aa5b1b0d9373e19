// Package identity manages this node's long-lived Ed25519 signing keypair,
// used by the Substrate's per-session handshake to authenticate peers
// (SPEC_FULL §12). It is a thin load-or-create wrapper around the
// Argon2id-encrypted keystore in internal/crypto.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/filexfer/core/internal/crypto"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
)

// DefaultDirectory returns ~/.filexfer, the default home for this node's
// identity keys.
func DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("identity: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".filexfer"), nil
}

// Identity holds this node's signing keypair and its fingerprint.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// LoadOrCreate loads an Ed25519 identity from dir, generating and persisting
// a new one if none exists yet. An empty passphrase stores the private key
// unencrypted (dev-only; SaveKey marks the file with a ".insecure" suffix).
func LoadOrCreate(dir, passphrase string) (*Identity, error) {
	if dir == "" {
		d, err := DefaultDirectory()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	priv, pub, err := load(privPath, pubPath, passphrase)
	if err == nil {
		return &Identity{PrivateKey: priv, PublicKey: pub, Fingerprint: crypto.ComputeFingerprint(pub)}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	kp, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create %s: %w", dir, err)
	}
	savePath := privPath
	if passphrase == "" {
		savePath = privPath // SaveKey appends ".insecure" itself
	}
	if err := crypto.SaveKey(kp.PrivateKey, savePath, passphrase); err != nil {
		return nil, fmt.Errorf("identity: save private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(kp.PublicKey)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("identity: save public key: %w", err)
	}

	return &Identity{
		PrivateKey:  kp.PrivateKey,
		PublicKey:   kp.PublicKey,
		Fingerprint: crypto.ComputeFingerprint(kp.PublicKey),
	}, nil
}

func load(privPath, pubPath, passphrase string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	candidate := privPath
	if _, err := os.Stat(candidate); err != nil {
		candidate = privPath + ".insecure"
		if _, err := os.Stat(candidate); err != nil {
			return nil, nil, fs.ErrNotExist
		}
	}

	priv, err := crypto.LoadKey(candidate, passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: load private key: %w", err)
	}

	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: load public key: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(trimNewline(string(pubBytes)))
	if err != nil {
		return nil, nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("identity: malformed key sizes (priv=%d pub=%d)", len(priv), len(pub))
	}
	return ed25519.PrivateKey(priv), ed25519.PublicKey(pub), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
