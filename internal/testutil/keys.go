package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// SigningKey is a throwaway OpenPGP key pair for tests
type SigningKey struct {
	Entity  *openpgp.Entity
	Private []byte // armored secret key
	Public  []byte // armored public key
}

// KeyID returns the long key id in upper-case hex
func (k *SigningKey) KeyID() string {
	return k.Entity.PrimaryKey.KeyIdString()
}

// NewSigningKey generates an unprotected EdDSA key
func NewSigningKey(t *testing.T, name, email string) *SigningKey {
	t.Helper()

	cfg := &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA}
	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	var priv bytes.Buffer
	w, err := armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatalf("failed to armor key: %v", err)
	}
	if err := entity.SerializePrivate(w, cfg); err != nil {
		t.Fatalf("failed to serialize secret key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to armor key: %v", err)
	}

	var pub bytes.Buffer
	w, err = armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("failed to armor key: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("failed to serialize public key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to armor key: %v", err)
	}

	return &SigningKey{Entity: entity, Private: priv.Bytes(), Public: pub.Bytes()}
}

// WriteKeys stores the secret and public key below dir and returns both paths
func (k *SigningKey) WriteKeys(t *testing.T, dir string) (privPath, pubPath string) {
	t.Helper()
	privPath = filepath.Join(dir, "secret.asc")
	pubPath = filepath.Join(dir, "public.asc")
	if err := os.WriteFile(privPath, k.Private, 0600); err != nil {
		t.Fatalf("failed to write secret key: %v", err)
	}
	if err := os.WriteFile(pubPath, k.Public, 0644); err != nil {
		t.Fatalf("failed to write public key: %v", err)
	}
	return privPath, pubPath
}
