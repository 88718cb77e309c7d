// Package integrity computes and checks content digests of plaintext chunks.
package integrity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/sha256-simd"
)

// MismatchError is returned when a chunk does not hash to its expected digest.
type MismatchError struct {
	Chunk    int
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity: chunk %d digest mismatch: expected %s, got %s", e.Chunk, e.Expected, e.Actual)
}

// Hash returns the hex SHA-256 digest of chunk.
func Hash(chunk []byte) string {
	sum := sha256.Sum256(chunk)
	return hex.EncodeToString(sum[:])
}

// Validate reports whether chunk hashes to expected. Empty chunks and empty
// digests never validate.
func Validate(chunk []byte, expected string) bool {
	if len(chunk) == 0 || expected == "" {
		return false
	}
	return Hash(chunk) == expected
}

// ValidateSize reports whether chunk fits in maxSize bytes.
func ValidateSize(chunk []byte, maxSize int64) bool {
	return int64(len(chunk)) <= maxSize
}

// Verify is Validate returning a *MismatchError for chunk index idx.
func Verify(idx int, chunk []byte, expected string) error {
	if Validate(chunk, expected) {
		return nil
	}
	actual := ""
	if len(chunk) > 0 {
		actual = Hash(chunk)
	}
	return &MismatchError{Chunk: idx, Expected: expected, Actual: actual}
}

// VerifyFile reads path in sequential chunkSize pieces and checks each one
// against the digest at the same position. A file shorter than the digest list
// leaves the remaining entries false; a missing file yields all false.
func VerifyFile(path string, chunkSize int64, digests []string) ([]bool, error) {
	results := make([]bool, len(digests))
	if chunkSize <= 0 {
		return nil, errors.New("integrity: chunk size must be positive")
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return results, nil
		}
		return nil, fmt.Errorf("integrity: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for i, expected := range digests {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			results[i] = Validate(buf[:n], expected)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("integrity: read chunk %d: %w", i, err)
		}
	}
	return results, nil
}

// Split reads r into chunkSize pieces and returns them with their digests.
func Split(r io.Reader, chunkSize int64) ([][]byte, []string, error) {
	if chunkSize <= 0 {
		return nil, nil, errors.New("integrity: chunk size must be positive")
	}

	var chunks [][]byte
	var digests []string
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
			digests = append(digests, Hash(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chunks, digests, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// Merge writes chunks to w in order and returns the number of bytes written.
func Merge(w io.Writer, chunks [][]byte) (int64, error) {
	var total int64
	for i, c := range chunks {
		n, err := w.Write(c)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("integrity: write chunk %d: %w", i, err)
		}
	}
	return total, nil
}

// HashFile returns the hex SHA-256 digest of the whole file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
