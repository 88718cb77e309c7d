package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/pkg/erasure"
)

// assemble writes the plaintext to a new temporary file below dir and
// returns its path. The file is removed again on error.
func assemble(ctx context.Context, p *plan, table [][]erasure.Shard, dir string) (path string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "fecget-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriterSize(f, 1<<20)
	if p.erasure() {
		err = writeDecoded(ctx, w, p, table)
	} else {
		err = writeChunks(ctx, w, table)
	}
	if err != nil {
		return "", err
	}
	if err = w.Flush(); err != nil {
		return "", fmt.Errorf("flush output: %w", err)
	}
	if err = f.Sync(); err != nil {
		return "", fmt.Errorf("sync output: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	return f.Name(), nil
}

// writeDecoded decodes the stripes in order and writes their blocks,
// dropping the padding of the last stripe.
func writeDecoded(ctx context.Context, w io.Writer, p *plan, table [][]erasure.Shard) error {
	remaining := p.totalSize
	for s, group := range table {
		if err := ctx.Err(); err != nil {
			return err
		}
		blocks, err := p.codec.DecodeStripe(group)
		if err != nil {
			return fmt.Errorf("decode stripe %d: %w", s, err)
		}
		for _, b := range blocks {
			if remaining <= 0 {
				break
			}
			if int64(len(b)) > remaining {
				b = b[:remaining]
			}
			if _, err := w.Write(b); err != nil {
				return fmt.Errorf("write stripe %d: %w", s, err)
			}
			remaining -= int64(len(b))
		}
		table[s] = nil
	}
	if remaining != 0 {
		return fmt.Errorf("%w: %d bytes missing", ErrSizeMismatch, remaining)
	}
	return nil
}

// writeChunks concatenates the single chunk of every plain stripe.
func writeChunks(ctx context.Context, w io.Writer, table [][]erasure.Shard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := make([][]byte, len(table))
	for c, group := range table {
		if len(group) != 1 {
			return &erasure.InsufficientShardsError{Stripe: c, Have: len(group), Need: 1}
		}
		chunks[c] = group[0].Data
	}
	if _, err := integrity.Merge(w, chunks); err != nil {
		return fmt.Errorf("merge chunks: %w", err)
	}
	return nil
}

// validate checks the assembled file against the planned size and, when
// digests are known, every plaintext block.
func validate(path string, p *plan, verify bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if fi.Size() != p.totalSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrSizeMismatch, fi.Size(), p.totalSize)
	}
	if !verify || !p.erasure() || len(p.manifest.Digests) == 0 {
		return nil
	}

	ok, err := integrity.VerifyFile(path, p.manifest.BlockSize, p.manifest.Digests)
	if err != nil {
		return err
	}
	for i, good := range ok {
		if !good {
			return &integrity.MismatchError{
				Chunk:    i,
				Expected: p.manifest.Digests[i],
				Actual:   blockDigest(path, p.manifest.BlockSize, i),
			}
		}
	}
	return nil
}

func blockDigest(path string, blockSize int64, block int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := make([]byte, blockSize)
	n, err := f.ReadAt(buf, int64(block)*blockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return integrity.Hash(buf[:n])
}

// moveFile renames src to dst, copying when the rename crosses devices.
func moveFile(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination dir: %w", err)
		}
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to destination: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close destination: %w", err)
	}
	in.Close()
	return os.Remove(src)
}
