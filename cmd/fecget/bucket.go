package main

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// openBucket opens a gocloud bucket URL such as s3://name?region=x or
// file:///srv/data.
func openBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	if url == "" {
		return nil, usageError("--bucket is required")
	}
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, storageError(fmt.Errorf("open bucket: %w", err))
	}
	return b, nil
}
