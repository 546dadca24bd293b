package certstore_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/certstore"
)

type fakeS3 struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	puts     []s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = body
	f.metadata[*params.Key] = params.Metadata
	f.puts = append(f.puts, *params)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	meta, ok := f.metadata[*params.Key]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: meta}, nil
}

func TestS3StoreImportThenMetadata(t *testing.T) {
	fake := newFakeS3()
	store := certstore.NewS3Store(fake, "certs-bucket", "certificates/")
	ctx := context.Background()

	notAfter := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Import(ctx, "api-example-com", []byte("pkcs12-bytes"), notAfter))

	require.Contains(t, fake.objects, "certificates/api-example-com.p12")
	assert.Equal(t, []byte("pkcs12-bytes"), fake.objects["certificates/api-example-com.p12"])
	assert.Equal(t, "application/x-pkcs12", *fake.puts[0].ContentType)

	md, err := store.Metadata(ctx, "api-example-com")
	require.NoError(t, err)
	assert.Equal(t, "api-example-com", md.Name)
	assert.True(t, md.NotAfter.Equal(notAfter))
}

func TestS3StoreMetadataNotFound(t *testing.T) {
	store := certstore.NewS3Store(newFakeS3(), "certs-bucket", "certificates/")

	_, err := store.Metadata(context.Background(), "missing")
	require.ErrorIs(t, err, certstore.ErrNotFound)
}
