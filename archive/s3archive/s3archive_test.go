package s3archive

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/getlantern/outstream/bridge"

	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomKey(t *testing.T) {
	a, err := New(&Opts{Endpoint: "localhost:9000", Bucket: "test", Insecure: true})
	require.NoError(t, err)

	first, err := a.Subscriber("")
	require.NoError(t, err)
	second, err := a.Subscriber("")
	require.NoError(t, err)
	require.NotEmpty(t, first.Key())
	require.NotEqual(t, first.Key(), second.Key())

	named, err := a.Subscriber("named")
	require.NoError(t, err)
	require.Equal(t, "named", named.Key())
}

func TestBucketRequired(t *testing.T) {
	_, err := New(&Opts{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

func TestArchive(t *testing.T) {
	opts := &Opts{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Endpoint:        os.Getenv("AWS_ENDPOINT"),
		Region:          os.Getenv("AWS_REGION"),
		Bucket:          os.Getenv("AWS_BUCKET"),
		Insecure:        os.Getenv("AWS_INSECURE") == "true",
	}
	if opts.AccessKeyID == "" || opts.Endpoint == "" || opts.Bucket == "" {
		t.Skip("need AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_ENDPOINT and AWS_BUCKET environment variables in order to run this test")
	}

	a, err := New(opts)
	require.NoError(t, err)

	upload, err := a.Subscriber(fmt.Sprintf("outstream-test-%d", time.Now().UnixNano()))
	require.NoError(t, err)

	b := bridge.New(nil)
	require.NoError(t, b.Subscribe(upload))

	expected := ""
	for i := 0; i < 100; i++ {
		line := fmt.Sprintf("line %d\n", i)
		expected += line
		_, err := b.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())

	info, err := upload.Wait()
	require.NoError(t, err)
	require.EqualValues(t, len(expected), info.Size)

	ctx := context.Background()
	defer a.client.RemoveObject(ctx, opts.Bucket, upload.Key(), minio.RemoveObjectOptions{})

	obj, err := a.client.GetObject(ctx, opts.Bucket, upload.Key(), minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	stored, err := ioutil.ReadAll(obj)
	require.NoError(t, err)
	require.Equal(t, expected, string(stored))
}
