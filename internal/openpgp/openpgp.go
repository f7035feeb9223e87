// Package openpgp provides the scoped key environment used to verify and
// sign top-level Manifests.
//
// An Environment is created empty, optionally populated with keys from a key
// file, handed to a single manifest loader and closed when the caller is done
// with it. Closing drops all key material; any later use fails with
// ErrClosed.
package openpgp

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

const clearsignHeader = "-----BEGIN PGP SIGNED MESSAGE-----"

var (
	// ErrClosed is returned when an Environment is used after Close
	ErrClosed = errors.New("openpgp environment already closed")
	// ErrNoKeys is returned when a signature must be verified but no keys were imported
	ErrNoKeys = errors.New("no OpenPGP keys available for verification")
	// ErrNoSigningKey is returned when no usable secret key matches the request
	ErrNoSigningKey = errors.New("no usable OpenPGP secret key for signing")
)

// VerificationError reports a signature that does not validate
type VerificationError struct {
	Err error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("OpenPGP signature verification failed: %v", e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Signature describes the key that produced a valid signature
type Signature struct {
	KeyID       string
	Fingerprint string
	Identity    string
}

// Environment holds the keys available to a single manifest operation
type Environment struct {
	keyring openpgp.EntityList
	closed  bool
	now     func() time.Time
}

// NewEnvironment creates an empty environment
func NewEnvironment() *Environment {
	return &Environment{now: time.Now}
}

// ImportKey reads armored or binary key material from r.
func (e *Environment) ImportKey(r io.Reader) error {
	if e.closed {
		return ErrClosed
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read key data: %w", err)
	}

	var entities openpgp.EntityList
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN PGP")) {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return fmt.Errorf("failed to parse OpenPGP keys: %w", err)
	}
	if len(entities) == 0 {
		return fmt.Errorf("no OpenPGP keys found in key data")
	}

	e.keyring = append(e.keyring, entities...)
	return nil
}

// ImportKeyFile imports all keys stored in path.
func (e *Environment) ImportKeyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := e.ImportKey(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// KeyCount returns the number of imported keys.
func (e *Environment) KeyCount() int {
	return len(e.keyring)
}

// Close drops all key material. It is safe to call more than once.
func (e *Environment) Close() error {
	e.keyring = nil
	e.closed = true
	return nil
}

// IsClearsigned reports whether data carries an OpenPGP cleartext signature.
func IsClearsigned(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(clearsignHeader))
}

// StripSignature returns the signed text of a clearsigned message without
// checking the signature.
func StripSignature(data []byte) ([]byte, error) {
	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("malformed OpenPGP cleartext message")
	}
	return block.Plaintext, nil
}

// Verify checks a clearsigned message against the imported keys and returns
// the signed text.
func (e *Environment) Verify(data []byte) ([]byte, *Signature, error) {
	if e.closed {
		return nil, nil, ErrClosed
	}
	if len(e.keyring) == 0 {
		return nil, nil, ErrNoKeys
	}

	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, nil, &VerificationError{Err: errors.New("malformed OpenPGP cleartext message")}
	}

	signer, err := openpgp.CheckDetachedSignature(e.keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, nil, &VerificationError{Err: err}
	}

	return block.Plaintext, describe(signer), nil
}

// Clearsign signs data with the secret key matching keyID. An empty keyID
// selects the first usable secret key. keyID may be a key id, a fingerprint
// (or a suffix of either) or part of a user id.
func (e *Environment) Clearsign(data []byte, keyID string) ([]byte, error) {
	if e.closed {
		return nil, ErrClosed
	}

	key, err := e.signingKey(keyID)
	if err != nil {
		return nil, err
	}

	cfg := &packet.Config{DefaultHash: crypto.SHA512}

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, key, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start cleartext signature: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish cleartext signature: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Environment) signingKey(keyID string) (*packet.PrivateKey, error) {
	for _, entity := range e.keyring {
		if keyID != "" && !matches(entity, keyID) {
			continue
		}
		if entity.PrivateKey == nil {
			continue
		}

		key, ok := entity.SigningKey(e.now())
		if !ok || key.PrivateKey == nil {
			continue
		}
		if key.PrivateKey.Encrypted {
			return nil, fmt.Errorf("%w: key %s is passphrase protected", ErrNoSigningKey, entity.PrimaryKey.KeyIdString())
		}
		return key.PrivateKey, nil
	}

	if keyID != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, keyID)
	}
	return nil, ErrNoSigningKey
}

func matches(entity *openpgp.Entity, keyID string) bool {
	want := strings.ToUpper(strings.TrimPrefix(keyID, "0x"))
	if strings.HasSuffix(strings.ToUpper(entity.PrimaryKey.KeyIdString()), want) {
		return true
	}
	if strings.HasSuffix(strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint)), want) {
		return true
	}
	for name := range entity.Identities {
		if strings.Contains(strings.ToLower(name), strings.ToLower(keyID)) {
			return true
		}
	}
	return false
}

func describe(entity *openpgp.Entity) *Signature {
	sig := &Signature{}
	if entity == nil || entity.PrimaryKey == nil {
		return sig
	}
	sig.KeyID = strings.ToUpper(entity.PrimaryKey.KeyIdString())
	sig.Fingerprint = strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint))
	for name := range entity.Identities {
		sig.Identity = name
		break
	}
	return sig
}
