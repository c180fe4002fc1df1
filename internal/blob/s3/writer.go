package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Writer implements domain.BlobWriter using an S3-compatible backend.
type Writer struct {
	client *Client
}

// NewWriter creates a Writer over the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{client: c}
}

// Put uploads data as a single PutObject request. Quarantine records are a
// few kilobytes, so multipart upload is never needed.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.client.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.client.bucket),
		Key:         aws.String(w.client.Key(path)),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BlobWriter = (*Writer)(nil)
