package filestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const signedURLTTL = 15 * time.Minute

// GCS stores objects in one Cloud Storage bucket. References have the form
// gs://<bucket>/<key>.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS connects with the credentials file if given, otherwise with
// application default credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", key, err)
	}
	return "gs://" + g.bucket + "/" + key, nil
}

// Resolve returns a short-lived V4 signed GET URL for ref.
func (g *GCS) Resolve(ctx context.Context, ref string) (string, error) {
	bucket, key, err := SplitRef(ref, g.bucket)
	if err != nil {
		return "", err
	}
	url, err := g.client.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(signedURLTTL),
	})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", ref, err)
	}
	return url, nil
}

// SplitRef parses gs://bucket/key. A bare key uses defaultBucket.
func SplitRef(ref, defaultBucket string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "gs://")
	if !ok {
		bucket, key = defaultBucket, ref
	} else {
		bucket, key, _ = strings.Cut(rest, "/")
	}
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket", ErrInvalidKey, ref)
	}
	if err := checkKey(key); err != nil {
		return "", "", err
	}
	return bucket, key, nil
}
