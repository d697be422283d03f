package assetstore

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	body     string
	metadata map[string]string
}

// fakeS3 is an in-memory bucket implementing the calls S3Store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]object)}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		if in.MaxKeys != nil && int32(len(out.Contents)) >= *in.MaxKeys {
			break
		}
	}
	out.IsTruncated = aws.Bool(false)
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.metadata}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = object{body: string(b), metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3Store(fake, "nrt")

	parent := "cit_038_WACCM_atmospheric_chemistry_model"
	coll := Join(parent, "NO2")

	ok, err := store.Exists(ctx, coll)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.List(ctx, coll)
	assert.True(t, errors.Is(err, ErrDoesNotExist))

	require.NoError(t, store.CreateCollection(ctx, parent))
	require.NoError(t, store.CreateCollection(ctx, coll))

	ok, err = store.Exists(ctx, coll)
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.List(ctx, coll)
	require.NoError(t, err)
	assert.Empty(t, names)

	file := writeTemp(t, "tiff bytes")
	ts := time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC)
	asset := Join(coll, "cit_038_WACCM_atmospheric_chemistry_model_NO2_2024-01-05_0300")
	require.NoError(t, store.Upload(ctx, file, asset, ts))

	assert.Equal(t, "tiff bytes", fake.objects[asset].body)
	assert.Equal(t, "1704423600000", fake.objects[asset].metadata[TimeStartKey])

	got, err := store.Timestamp(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	names, err = store.List(ctx, coll)
	require.NoError(t, err)
	assert.Equal(t, []string{"cit_038_WACCM_atmospheric_chemistry_model_NO2_2024-01-05_0300"}, names)

	// The parent lists no assets of its own, only the NO2 sub-collection.
	names, err = store.List(ctx, parent)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = store.Timestamp(ctx, Join(coll, "missing"))
	assert.True(t, errors.Is(err, ErrDoesNotExist))

	require.NoError(t, store.Remove(ctx, parent, true))
	assert.Empty(t, fake.objects)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(errors.Wrap(&types.NotFound{}, "head")))
	assert.False(t, isNotFound(errors.New("boom")))
}
