package assetstore

import (
	"context"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

// collectionMarker is the empty object that makes a collection visible
// before it holds any asset.
const collectionMarker = ".collection"

// deleteBatch is the S3 limit for keys per DeleteObjects call.
const deleteBatch = 1000

type s3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config selects the bucket and endpoint of an S3Store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps assets as objects in a bucket. The timestamp lives in the
// object metadata as milliseconds since the epoch.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store builds an S3 client from the default AWS config chain.
// Static credentials and a custom endpoint (MinIO, LocalStack) are optional.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func newS3Store(client s3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Exists reports whether an asset or a collection exists.
func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	key, err := cleanID(id)
	if err != nil {
		return false, err
	}
	if _, err := s.head(ctx, key); err == nil {
		return true, nil
	} else if !errors.Is(err, ErrDoesNotExist) {
		return false, err
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, errors.Wrapf(err, "list %s", id)
	}
	return len(out.Contents) > 0, nil
}

// CreateCollection writes the collection marker object.
func (s *S3Store) CreateCollection(ctx context.Context, id string) error {
	key, err := cleanID(id)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path.Join(key, collectionMarker)),
		Body:   strings.NewReader(""),
	})
	return errors.Wrapf(err, "create collection %s", id)
}

// List returns the asset names directly inside a collection, sorted.
func (s *S3Store) List(ctx context.Context, collection string) ([]string, error) {
	prefix, err := cleanID(collection)
	if err != nil {
		return nil, err
	}
	prefix += "/"

	var names []string
	found := false
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", collection)
		}
		if len(page.Contents) > 0 || len(page.CommonPrefixes) > 0 {
			found = true
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == collectionMarker || name == "" {
				continue
			}
			names = append(names, name)
		}
	}
	if !found {
		return nil, errors.Wrapf(ErrDoesNotExist, "collection %s", collection)
	}
	sort.Strings(names)
	return names, nil
}

// Upload puts file at id with its timestamp in object metadata.
func (s *S3Store) Upload(ctx context.Context, file, id string, ts time.Time) error {
	key, err := cleanID(id)
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "open %s", file)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("image/tiff"),
		Metadata: map[string]string{
			TimeStartKey: strconv.FormatInt(ts.UnixMilli(), 10),
		},
	})
	return errors.Wrapf(err, "upload %s", id)
}

// Timestamp returns the time an asset was stamped with on upload.
func (s *S3Store) Timestamp(ctx context.Context, id string) (time.Time, error) {
	key, err := cleanID(id)
	if err != nil {
		return time.Time{}, err
	}
	out, err := s.head(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	raw, ok := out.Metadata[TimeStartKey]
	if !ok {
		return time.Time{}, errors.Newf("asset %s has no %s metadata", id, TimeStartKey)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse %s of %s", TimeStartKey, id)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Remove deletes an asset, or every object under a collection when recursive.
// Missing ids are not an error.
func (s *S3Store) Remove(ctx context.Context, id string, recursive bool) error {
	key, err := cleanID(id)
	if err != nil {
		return err
	}
	if recursive {
		if err := s.removePrefix(ctx, key+"/"); err != nil {
			return err
		}
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "remove %s", id)
	}
	return nil
}

func (s *S3Store) removePrefix(ctx context.Context, prefix string) error {
	var keys []types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrapf(err, "list %s", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: keys[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return errors.Wrapf(err, "remove objects under %s", prefix)
		}
	}
	return nil
}

func (s *S3Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrDoesNotExist, "asset %s", key)
		}
		return nil, errors.Wrapf(err, "head %s", key)
	}
	return out, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
