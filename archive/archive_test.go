package archive

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
)

type putObject struct {
	bucket, key string
	body        []byte
	opts        minio.PutObjectOptions
}

type fakeStore struct {
	buckets map[string]bool
	objects []putObject
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: make(map[string]bool)}
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects = append(f.objects, putObject{bucket: bucket, key: key, body: body, opts: opts})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func validConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		AccessKey: "orca",
		SecretKey: "orcaminio",
		Region:    "us-east-1",
		Bucket:    "executions",
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	withScheme := validConfig()
	withScheme.Endpoint = "http://localhost:9000"
	err := withScheme.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.ErrConfiguration, errors.GetCode(err))

	noBucket := validConfig()
	noBucket.Bucket = " "
	assert.Error(t, noBucket.Validate())
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	client, err := NewClient(validConfig())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestEnsureBucketCreatesOnce(t *testing.T) {
	store := newFakeStore()
	a := NewMinioArchiver(store, validConfig(), nil)

	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.True(t, store.buckets["executions"])
	require.NoError(t, a.EnsureBucket(context.Background()))
}

func TestArchiveWritesExecutionJSON(t *testing.T) {
	store := newFakeStore()
	cfg := validConfig()
	cfg.Prefix = "prod"
	a := NewMinioArchiver(store, cfg, nil)

	exec := pipeline.NewExecution(pipeline.TypePipeline, "web", "deploy web")
	s := pipeline.NewStage("wait", "Wait")
	s.RefID = "1"
	exec.AddStage(s)
	exec.Status = pipeline.StatusSucceeded

	require.NoError(t, a.Archive(context.Background(), exec))
	require.Len(t, store.objects, 1)

	obj := store.objects[0]
	assert.Equal(t, "executions", obj.bucket)
	assert.Equal(t, "prod/executions/web/"+exec.ID+".json", obj.key)
	assert.Equal(t, "application/json", obj.opts.ContentType)
	assert.Equal(t, "SUCCEEDED", obj.opts.UserMetadata["status"])

	var decoded pipeline.Execution
	require.NoError(t, json.Unmarshal(obj.body, &decoded))
	assert.Equal(t, exec.ID, decoded.ID)
	assert.Equal(t, 1, decoded.StageCount())
}

func TestArchiveFailureIsTransient(t *testing.T) {
	store := newFakeStore()
	store.putErr = stderrors.New("connection reset")
	a := NewMinioArchiver(store, validConfig(), nil)

	err := a.Archive(context.Background(), pipeline.NewExecution(pipeline.TypePipeline, "", "x"))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, "executions", errors.GetContext(err)["bucket"])
}
