package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "sha256"

var algorithms = map[string]func() hash.Hash{
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha256":   sha256.New,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
	"sha3-512": sha3.New512,
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	"blake2b-512": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// Hasher returns the constructor for the named algorithm.
func Hasher(algorithm string) (func() hash.Hash, error) {
	h, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown digest algorithm %q", algorithm)
	}
	return h, nil
}

// Algorithms lists the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Format renders a finished hash as "<algorithm>-<hex>".
func Format(algorithm string, h hash.Hash) string {
	return algorithm + "-" + hex.EncodeToString(h.Sum(nil))
}

// Split separates a formatted digest into its algorithm and hex value. Some
// algorithm names contain '-' themselves, hex never does, so the split is at
// the last one. The algorithm must be known and the value well-formed hex.
func Split(sum string) (algorithm, value string, err error) {
	i := strings.LastIndexByte(sum, '-')
	if i <= 0 || i == len(sum)-1 {
		return "", "", fmt.Errorf("malformed digest %q", sum)
	}
	algorithm, value = sum[:i], sum[i+1:]
	if _, ok := algorithms[algorithm]; !ok {
		return "", "", fmt.Errorf("unknown digest algorithm %q", algorithm)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", "", fmt.Errorf("malformed digest %q", sum)
	}
	return algorithm, value, nil
}

// Sum digests data with the named algorithm.
func Sum(algorithm string, data []byte) (string, error) {
	newHash, err := Hasher(algorithm)
	if err != nil {
		return "", err
	}
	h := newHash()
	h.Write(data)
	return Format(algorithm, h), nil
}
