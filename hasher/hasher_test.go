package hasher

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"lukechampine.com/blake3"
)

func TestComputeHashes(t *testing.T) {
	hashes, err := ComputeHashes(strings.NewReader("hello world"), []string{"md5", "SHA1", "sha256", "blake3", "md5"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if hashes["md5"] != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("md5 mismatch: %s", hashes["md5"])
	}
	if hashes["sha1"] != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("sha1 mismatch: %s", hashes["sha1"])
	}
	if hashes["sha256"] != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 mismatch: %s", hashes["sha256"])
	}
	want := blake3.Sum256([]byte("hello world"))
	if hashes["blake3"] != hex.EncodeToString(want[:]) {
		t.Errorf("blake3 mismatch: %s", hashes["blake3"])
	}
	if len(hashes) != 4 {
		t.Errorf("expected 4 distinct digests, got %d", len(hashes))
	}
}

func TestDigestHello(t *testing.T) {
	md5sum, err := Digest(strings.NewReader("hello"), MD5)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if md5sum != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("md5 mismatch: %s", md5sum)
	}
	sha1sum, err := Digest(strings.NewReader("hello"), SHA1)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if sha1sum != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Fatalf("sha1 mismatch: %s", sha1sum)
	}
}

func TestDigestIsLowercaseHex(t *testing.T) {
	sum, err := Digest(bytes.NewReader([]byte{0xff, 0xfe, 0x00}), SHA1)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if len(sum) != HexLen(SHA1) || sum != strings.ToLower(sum) {
		t.Fatalf("unexpected digest rendering: %s", sum)
	}
}

func TestChunkSizeInvariance(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef-sigscan-"), 4099)
	algorithms := []string{MD5, SHA1, SHA256, BLAKE3}

	reference, err := ComputeHashesBuffer(bytes.NewReader(data), algorithms, make([]byte, len(data)+1))
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	for _, size := range []int{1, 3, 7, 64, 1024, 4096, 65536} {
		got, err := ComputeHashesBuffer(bytes.NewReader(data), algorithms, make([]byte, size))
		if err != nil {
			t.Fatalf("chunk %d: %v", size, err)
		}
		for _, algo := range algorithms {
			if got[algo] != reference[algo] {
				t.Fatalf("chunk %d: %s mismatch %s != %s", size, algo, got[algo], reference[algo])
			}
		}
	}

	// Short reads must not change the result either.
	got, err := ComputeHashes(iotest.OneByteReader(bytes.NewReader(data)), algorithms)
	if err != nil {
		t.Fatalf("one byte reader: %v", err)
	}
	if got[MD5] != reference[MD5] {
		t.Fatalf("one byte reader md5 mismatch")
	}
}

func TestDeterministic(t *testing.T) {
	a, _ := Digest(strings.NewReader("same content"), SHA1)
	b, _ := Digest(strings.NewReader("same content"), SHA1)
	if a != b {
		t.Fatalf("digest not deterministic: %s != %s", a, b)
	}
}

func TestReadErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom))
	hashes, err := ComputeHashes(r, []string{MD5, SHA1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if hashes != nil {
		t.Fatalf("expected no digests on failure, got %v", hashes)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := ComputeHashes(strings.NewReader("x"), []string{"md5", "crc32"})
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if Supported("crc32") || !Supported(" SHA256 ") {
		t.Fatal("unexpected Supported result")
	}
	if HexLen("crc32") != 0 || HexLen(MD5) != 32 || HexLen(SHA1) != 40 || HexLen(BLAKE3) != 64 {
		t.Fatal("unexpected HexLen result")
	}
}

func TestComputeFileHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hashes, err := ComputeFileHashes(path, []string{MD5})
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if hashes[MD5] != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Fatalf("md5 mismatch: %s", hashes[MD5])
	}

	large := filepath.Join(dir, "large.bin")
	content := bytes.Repeat([]byte{0x5a}, hashLargeBufferThreshold+17)
	if err := os.WriteFile(large, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ComputeFileHashes(large, []string{SHA1})
	if err != nil {
		t.Fatalf("hash large: %v", err)
	}
	want, _ := Digest(bytes.NewReader(content), SHA1)
	if got[SHA1] != want {
		t.Fatalf("large file digest mismatch")
	}

	if _, err := ComputeFileHashes(filepath.Join(dir, "missing"), []string{MD5}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
