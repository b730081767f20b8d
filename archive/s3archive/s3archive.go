// Package s3archive archives streams as objects in an S3 compatible object store.
package s3archive

import (
	"context"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"

	"github.com/getlantern/outstream/stream"
)

const (
	minPartSize = 5 * 1024 * 1024
)

var (
	log = golog.LoggerFor("outstream.s3archive")
)

type Opts struct {
	AccessKeyID     string
	SecretAccessKey string
	// host[:port] of the object store, for example s3.eu-central-1.wasabisys.com
	Endpoint string
	Region   string
	Bucket   string
	// Connect to the endpoint over plain http
	Insecure bool
	// Size of the parts streams are uploaded in. Each upload buffers up to one part in memory. Defaults
	// to (and can't be less than) 5 MiB.
	PartSize uint64
}

func (opts *Opts) ApplyDefaults() {
	if opts.PartSize < minPartSize {
		opts.PartSize = minPartSize
		log.Debugf("Defaulted PartSize to: %d", opts.PartSize)
	}
}

type Archiver struct {
	client   *minio.Client
	bucket   string
	partSize uint64
}

func New(opts *Opts) (*Archiver, error) {
	opts.ApplyDefaults()
	if opts.Bucket == "" {
		return nil, errors.New("please specify a Bucket")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.New("unable to create object store client: %v", err)
	}
	return &Archiver{
		client:   client,
		bucket:   opts.Bucket,
		partSize: opts.PartSize,
	}, nil
}

// Subscriber creates an Upload that stores everything it receives at key. If key is empty, a random key is
// used. The upload requests unbounded demand and relies on writes to the object store to hold back the
// stream.
func (a *Archiver) Subscriber(key string) (*Upload, error) {
	if key == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, errors.New("unable to generate key: %v", err)
		}
		key = id.String()
	}
	return &Upload{
		a:    a,
		key:  key,
		done: make(chan interface{}),
	}, nil
}

// Upload is a stream.Subscriber that uploads a stream to the object store.
type Upload struct {
	a    *Archiver
	key  string
	pw   *io.PipeWriter
	done chan interface{}

	mx   sync.Mutex
	info minio.UploadInfo
	err  error
}

func (u *Upload) Key() string {
	return u.key
}

func (u *Upload) OnSubscribe(subscription stream.Subscription) {
	pr, pw := io.Pipe()
	u.pw = pw
	go u.upload(pr)
	subscription.Request(stream.Unbounded)
}

func (u *Upload) upload(pr *io.PipeReader) {
	defer close(u.done)

	info, err := u.a.client.PutObject(context.Background(), u.a.bucket, u.key, pr, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    u.a.partSize,
	})
	if err != nil {
		err = errors.New("unable to upload %v: %v", u.key, err)
	}
	// fail any further writes if the upload ended early
	pr.CloseWithError(err)

	u.mx.Lock()
	u.info = info
	u.err = err
	u.mx.Unlock()
}

func (u *Upload) OnNext(c stream.Chunk) error {
	if c.Len() == 0 {
		return nil
	}
	_, err := u.pw.Write(c.Data())
	return err
}

func (u *Upload) OnError(err error) {
	log.Debugf("Aborting upload of %v: %v", u.key, err)
	u.pw.CloseWithError(err)
}

func (u *Upload) OnComplete() {
	u.pw.Close()
}

// Wait waits for the upload to finish and returns its result. It only returns once the stream terminated.
func (u *Upload) Wait() (minio.UploadInfo, error) {
	<-u.done
	u.mx.Lock()
	defer u.mx.Unlock()
	return u.info, u.err
}
