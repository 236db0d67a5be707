package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// S3Store stores submodels as {keyPrefix}{sha256(semanticId)}/{submodelId}.json
// objects in a single bucket, the third provider.submodel_dispatcher backend
// alongside FilesystemStore and HTTPStore.
//
// Grounded on pkg/aws/s3store.go's S3Store: the same bucket/keyPrefix/client
// shape and NoSuchKey-to-not-found translation, adapted to this façade's
// (semanticID, submodelID) addressing instead of a flat content-addressed key.
type S3Store struct {
	bucket    string
	keyPrefix string
	client    *s3.Client
}

// S3Config configures an S3Store from provider.submodel_dispatcher.s3.
type S3Config struct {
	Bucket    string
	KeyPrefix string
	Region    string
	Endpoint  string // non-empty for S3-compatible stores (MinIO etc)
}

// NewS3Store loads the default AWS credential chain and constructs an
// S3Store. Region and a non-standard Endpoint, when set, override the
// chain's defaults.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("missing required configuration: provider.submodel_dispatcher.s3.bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Infof("submodel storage initialized in bucket %s", cfg.Bucket)
	return &S3Store{bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix, client: client}, nil
}

func (s *S3Store) key(semanticID, submodelID string) string {
	_, rel := HashPath(semanticID, submodelID)
	return s.keyPrefix + rel
}

func (s *S3Store) Read(ctx context.Context, semanticID, submodelID string) (json.RawMessage, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(semanticID, submodelID)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, types.Tag(types.CodeNotFound, fmt.Errorf("submodel object not found: %s/%s", semanticID, submodelID))
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading submodel object %s/%s: %w", semanticID, submodelID, err)
	}
	return json.RawMessage(data), nil
}

func (s *S3Store) Write(ctx context.Context, semanticID, submodelID string, payload json.RawMessage) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(semanticID, submodelID)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
	})
	return err
}

func (s *S3Store) Delete(ctx context.Context, semanticID, submodelID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(semanticID, submodelID)),
	})
	return err
}

func (s *S3Store) Exists(ctx context.Context, semanticID, submodelID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(semanticID, submodelID)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
