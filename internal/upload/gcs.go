// Package upload stages documents in object storage so the OCR backend can
// fetch them by URL instead of receiving multi-megabyte base64 payloads.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
)

var (
	// ErrCredentialsUnavailable means storage auth is missing or rejected.
	ErrCredentialsUnavailable = errors.New("storage credentials unavailable")

	// ErrUploadFailed covers every other upload failure. The orchestrator
	// treats both errors the same way: fall back to base64 submission.
	ErrUploadFailed = errors.New("upload failed")
)

// GCSUploader stages files in a bucket and hands out time-limited signed GET
// URLs. Objects are namespaced by a per-uploader session ID so concurrent
// jobs sharing a bucket never collide.
type GCSUploader struct {
	client  *storage.Client
	bucket  string
	urlTTL  time.Duration
	session string
}

func NewGCSUploader(ctx context.Context, bucket string, urlTTL time.Duration) (*GCSUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
	}
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &GCSUploader{
		client:  client,
		bucket:  bucket,
		urlTTL:  urlTTL,
		session: uuid.NewString(),
	}, nil
}

func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// Upload writes the file to the bucket and returns a signed URL valid for the
// configured TTL.
func (u *GCSUploader) Upload(ctx context.Context, localPath string) (string, error) {
	objectName := fmt.Sprintf("temp/%s/%s", u.session, filepath.Base(localPath))
	if err := u.putObject(ctx, localPath, objectName); err != nil {
		return "", err
	}

	url, err := u.client.Bucket(u.bucket).SignedURL(objectName, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(u.urlTTL),
	})
	if err != nil {
		return "", fmt.Errorf("%w: sign URL for %s: %v", ErrUploadFailed, objectName, err)
	}
	return url, nil
}

func (u *GCSUploader) putObject(ctx context.Context, localPath, objectName string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			f, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", localPath, err)
			}
			defer f.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()

			w := u.client.Bucket(u.bucket).Object(objectName).NewWriter(writeCtx)
			if _, err := io.Copy(w, f); err != nil {
				_ = w.Close()
				return fmt.Errorf("copy to bucket: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("finalize upload: %w", err)
			}
			return nil
		}()

		if err == nil {
			return nil
		}

		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
			return fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
		}

		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"object", objectName,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s after all retries: %v", ErrUploadFailed, objectName, lastErr)
}
