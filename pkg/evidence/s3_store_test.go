package evidence

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 honours If-None-Match: * the way S3 does.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3BlobStore_ConditionalPut(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3BlobStore(fake, S3Config{Bucket: "proofs", Prefix: "prod/"})

	require.NoError(t, s.Put(ctx, "evidence/aa.json", []byte(`{"a":1}`)))
	require.NoError(t, s.Put(ctx, "evidence/aa.json", []byte(`{"a":1}`)))
	err := s.Put(ctx, "evidence/aa.json", []byte(`{"a":2}`))
	assert.ErrorIs(t, err, ErrWORMViolation)

	got, err := s.Get(ctx, "evidence/aa.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
	assert.Contains(t, fake.objects, "proofs/prod/evidence/aa.json")

	for _, in := range fake.puts {
		assert.Equal(t, "*", aws.ToString(in.IfNoneMatch))
		assert.Equal(t, types.ObjectLockMode(""), in.ObjectLockMode)
	}
}

func TestS3BlobStore_ObjectLockRetention(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3BlobStore(fake, S3Config{Bucket: "proofs", Retention: 24 * time.Hour})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "k.json", []byte("x")))
	require.Len(t, fake.puts, 1)
	assert.Equal(t, types.ObjectLockModeCompliance, fake.puts[0].ObjectLockMode)
	assert.Equal(t, now.Add(24*time.Hour), aws.ToTime(fake.puts[0].ObjectLockRetainUntilDate))
}

func TestS3BlobStore_Missing(t *testing.T) {
	ctx := context.Background()
	s := newS3BlobStore(newFakeS3(), S3Config{Bucket: "proofs"})

	_, err := s.Get(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, "none")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3BlobStore_OtherErrorsPropagate(t *testing.T) {
	assert.False(t, isS3Conflict(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.True(t, isS3Conflict(&smithy.GenericAPIError{Code: "PreconditionFailed"}))
	assert.True(t, isS3Conflict(&smithy.GenericAPIError{Code: "ConditionalRequestConflict"}))
}
