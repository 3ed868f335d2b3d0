package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 routes dead-letter records to an object store, one JSON document per
// record, keyed by failure time and message id. An append-only bucket works
// well as the durable side-destination when the main store itself may be the
// thing that is failing.
type S3 struct {
	client s3API

	bucket    string
	bucketPtr *string
	prefix    string
}

func NewS3(client s3API, bucket, prefix string) *S3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	r := &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	// Stable pointer, avoids aws.String allocations per call.
	r.bucketPtr = &r.bucket
	return r
}

func (r *S3) Route(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &RouteError{MessageID: rec.MessageID, Err: err}
	}

	key := r.key(rec)
	ct := "application/json"
	cl := int64(len(data))

	var body bytes.Reader
	body.Reset(data)

	input := s3.PutObjectInput{
		Bucket:        r.bucketPtr,
		Key:           &key,
		Body:          &body,
		ContentLength: &cl,
		ContentType:   &ct,
	}
	if _, err := r.client.PutObject(ctx, &input); err != nil {
		return &RouteError{MessageID: rec.MessageID, Err: err}
	}
	return nil
}

func (r *S3) key(rec Record) string {
	t := rec.FailedAt.UTC()
	var b strings.Builder
	if r.prefix != "" {
		b.WriteString(r.prefix)
		b.WriteByte('/')
	}
	b.WriteString(t.Format("2006/01/02/15/"))
	b.WriteString(rec.MessageID)
	b.WriteString(".json")
	return b.String()
}
