package itemstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/roach88/qtinav/internal/ir"
)

// S3Config locates compiled item blobs. Items live at <prefix><id>.json.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, for S3-compatible stores
	PathStyle bool
}

// S3Loader loads item definitions from an S3 bucket.
type S3Loader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Loader builds a loader using the default AWS credential chain.
func NewS3Loader(ctx context.Context, cfg S3Config) (*S3Loader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3LoaderFromClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3LoaderFromClient wraps an existing client.
func NewS3LoaderFromClient(client *s3.Client, bucket, prefix string) *S3Loader {
	return &S3Loader{client: client, bucket: bucket, prefix: prefix}
}

func (l *S3Loader) key(id string) string {
	return path.Clean(l.prefix+id) + ".json"
}

// LoadItem implements Loader.
func (l *S3Loader) LoadItem(ctx context.Context, id string) (*ir.ItemDefinition, error) {
	key := l.key(id)
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &l.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, ir.NewItemNotFoundError(id)
		}
		return nil, err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var def ir.ItemDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if def.ID == "" {
		def.ID = id
	}
	return &def, nil
}

// PutItem uploads a compiled definition, replacing any existing object.
func (l *S3Loader) PutItem(ctx context.Context, def *ir.ItemDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	key := l.key(def.ID)
	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &l.bucket,
		Key:         &key,
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	return err
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
