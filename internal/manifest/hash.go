package manifest

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // RMD160 is still a valid Manifest hash
	"golang.org/x/crypto/sha3"
)

var hashConstructors = map[string]func() hash.Hash{
	"MD5":      md5.New,  // #nosec G401 - legacy Manifest hash, never used for signing
	"SHA1":     sha1.New, // #nosec G401 - legacy Manifest hash, never used for signing
	"SHA256":   sha256.New,
	"SHA512":   sha512.New,
	"RMD160":   ripemd160.New,
	"SHA3_256": sha3.New256,
	"SHA3_512": sha3.New512,
	"BLAKE2B": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
	"BLAKE2S": func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	},
}

// SupportedHashes returns the hash names understood by this build, sorted
func SupportedHashes() []string {
	names := make([]string, 0, len(hashConstructors))
	for name := range hashConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSupportedHash reports whether name can be computed
func IsSupportedHash(name string) bool {
	_, ok := hashConstructors[name]
	return ok
}

// ParseHashList splits a whitespace-separated list of hash names and
// validates every name.
func ParseHashList(s string) ([]string, error) {
	names := strings.Fields(s)
	if len(names) == 0 {
		return nil, fmt.Errorf("no hashes specified")
	}
	if err := ValidateHashes(names); err != nil {
		return nil, err
	}
	return names, nil
}

// ValidateHashes returns an error naming the first unsupported hash.
func ValidateHashes(names []string) error {
	for _, name := range names {
		if !IsSupportedHash(name) {
			return fmt.Errorf("unsupported hash %q (supported: %s)", name, strings.Join(SupportedHashes(), " "))
		}
	}
	return nil
}

// HashReader reads r to the end and returns the hex digests for names along
// with the number of bytes read. Unsupported names are skipped.
func HashReader(r io.Reader, names []string) (map[string]string, int64, error) {
	hashers := make(map[string]hash.Hash, len(names))
	writers := make([]io.Writer, 0, len(names))
	for _, name := range names {
		ctor, ok := hashConstructors[name]
		if !ok {
			continue
		}
		if _, dup := hashers[name]; dup {
			continue
		}
		h := ctor()
		hashers[name] = h
		writers = append(writers, h)
	}

	n, err := io.Copy(io.MultiWriter(append(writers, io.Discard)...), r)
	if err != nil {
		return nil, n, err
	}

	sums := make(map[string]string, len(hashers))
	for name, h := range hashers {
		sums[name] = hex.EncodeToString(h.Sum(nil))
	}
	return sums, n, nil
}

// HashBytes is HashReader over an in-memory buffer.
func HashBytes(data []byte, names []string) map[string]string {
	sums, _, _ := HashReader(bytes.NewReader(data), names)
	return sums
}
