package s3blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

const (
	// multipartThreshold is the body size above which uploads are split.
	multipartThreshold = 64 << 20
	// partSize is the multipart chunk size; S3 requires at least 5 MiB.
	partSize = 16 << 20
)

// Objects stores archive files in the client's bucket.
type Objects struct {
	c        *Client
	uploader *manager.Uploader
}

// NewObjects creates an Objects store.
func NewObjects(c *Client) *Objects {
	return &Objects{
		c: c,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
	}
}

// PutObject uploads obj, through the multipart manager when the body is
// large.
func (o *Objects) PutObject(ctx context.Context, obj domain.ArchiveObject) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(o.c.bucket),
		Key:         aws.String(o.c.key(obj.Path)),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(obj.ContentType),
		Metadata:    obj.Metadata,
	}
	var err error
	if len(obj.Body) > multipartThreshold {
		_, err = o.uploader.Upload(ctx, in)
	} else {
		in.ContentLength = aws.Int64(int64(len(obj.Body)))
		_, err = o.c.s3.PutObject(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", obj.Path, err)
	}
	return nil
}

// Exists reports whether an object is stored at p.
func (o *Objects) Exists(ctx context.Context, p string) (bool, error) {
	_, err := o.c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.c.bucket),
		Key:    aws.String(o.c.key(p)),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", p, err)
	}
}

var _ domain.ArchiveStore = (*Objects)(nil)
