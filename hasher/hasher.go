package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

const (
	hashBufferSmallSize      = 32 * 1024
	hashBufferLargeSize      = 128 * 1024
	hashLargeBufferThreshold = 256 * 1024
)

var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

var hashBufferSmallPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSmallSize)
		return &buf
	},
}

var hashBufferLargePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferLargeSize)
		return &buf
	},
}

var constructors = map[string]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	BLAKE3: func() hash.Hash { return blake3.New(32, nil) },
}

// Supported reports whether name is a known algorithm.
func Supported(name string) bool {
	_, ok := constructors[normalize(name)]
	return ok
}

// HexLen returns the length of a digest of the given algorithm rendered as hex,
// or 0 for unknown algorithms.
func HexLen(name string) int {
	ctor, ok := constructors[normalize(name)]
	if !ok {
		return 0
	}
	return ctor().Size() * 2
}

// Digest streams r through a single algorithm.
func Digest(r io.Reader, algorithm string) (string, error) {
	hashes, err := ComputeHashes(r, []string{algorithm})
	if err != nil {
		return "", err
	}
	return hashes[normalize(algorithm)], nil
}

// ComputeHashes reads r once and feeds every chunk to all requested hash
// states. Peak memory is one pooled buffer regardless of input length.
func ComputeHashes(r io.Reader, algorithms []string) (map[string]string, error) {
	bufferPtr := hashBufferSmallPool.Get().(*[]byte)
	defer hashBufferSmallPool.Put(bufferPtr)
	return ComputeHashesBuffer(r, algorithms, *bufferPtr)
}

// ComputeHashesBuffer is ComputeHashes with a caller-owned chunk buffer.
func ComputeHashesBuffer(r io.Reader, algorithms []string, buffer []byte) (map[string]string, error) {
	if len(buffer) == 0 {
		return nil, fmt.Errorf("hash buffer must not be empty")
	}

	type hasherEntry struct {
		name string
		h    hash.Hash
	}
	hashers := make([]hasherEntry, 0, len(algorithms))
	seen := make(map[string]struct{}, len(algorithms))
	for _, algo := range algorithms {
		algo = normalize(algo)
		if _, ok := seen[algo]; ok {
			continue
		}
		ctor, ok := constructors[algo]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
		}
		hashers = append(hashers, hasherEntry{name: algo, h: ctor()})
		seen[algo] = struct{}{}
	}

	for {
		n, readErr := r.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			for i := range hashers {
				// hash.Hash.Write never returns an error.
				hashers[i].h.Write(chunk)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	hashes := make(map[string]string, len(hashers))
	for i := range hashers {
		hashes[hashers[i].name] = hex.EncodeToString(hashers[i].h.Sum(nil))
	}
	return hashes, nil
}

// ComputeFileHashes opens path and hashes its full content. Large files get
// the larger pooled buffer.
func ComputeFileHashes(path string, algorithms []string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	bufferPool := &hashBufferSmallPool
	if info, statErr := file.Stat(); statErr == nil && info.Size() >= hashLargeBufferThreshold {
		bufferPool = &hashBufferLargePool
	}
	bufferPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufferPtr)

	hashes, err := ComputeHashesBuffer(file, algorithms, *bufferPtr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return hashes, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
