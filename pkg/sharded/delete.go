package sharded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"gocloud.dev/blob"
)

// ErrNothingStored is returned by DeletePartial when no object exists for
// the file.
var ErrNothingStored = errors.New("sharded: nothing stored")

// Delete removes a stored file and all its shards.
// It reads the manifest to find all shards, deletes them, then deletes the
// manifest.
//
// Returns an error if:
//   - The manifest doesn't exist (error wraps gcerrors.NotFound)
//   - The manifest JSON is malformed (encoding/json error)
//   - A shard cannot be deleted (permission denied, network error)
//   - The context is cancelled (context.Canceled or context.DeadlineExceeded)
func Delete(ctx context.Context, bucket *blob.Bucket, dest string) error {
	m, err := ReadManifest(ctx, bucket, dest)
	if err != nil {
		return err
	}

	for s := range m.Stripes {
		for i := range m.Stripes[s].Shards {
			key := m.ShardKey(dest, s, i)
			if err := bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
				return fmt.Errorf("sharded: delete shard %s: %w", key, err)
			}
		}
	}

	if err := bucket.Delete(ctx, ManifestKey(dest)); err != nil {
		return fmt.Errorf("sharded: delete manifest: %w", err)
	}
	return nil
}

// DeletePartial removes every object under dest's parts prefix, for files
// whose publish never wrote a manifest. A completed file is removed with
// Delete instead.
func DeletePartial(ctx context.Context, bucket *blob.Bucket, dest string) error {
	if exists, _ := bucket.Exists(ctx, ManifestKey(dest)); exists {
		return Delete(ctx, bucket, dest)
	}

	prefix := partsPrefix(dest)
	if dir := path.Dir(dest); dir != "." && dir != "" {
		prefix = dir + "/" + prefix
	}

	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	found := 0
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("sharded: list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return fmt.Errorf("sharded: delete %s: %w", obj.Key, err)
		}
		found++
	}
	if found == 0 {
		return fmt.Errorf("%w for %s", ErrNothingStored, dest)
	}
	return nil
}
