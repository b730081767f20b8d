package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/golog"

	"github.com/getlantern/outstream/archive/s3archive"
	"github.com/getlantern/outstream/bridge"
	"github.com/getlantern/outstream/broker"
	"github.com/getlantern/outstream/broker/redisbroker"
	"github.com/getlantern/outstream/hub"
	"github.com/getlantern/outstream/relay"
	"github.com/getlantern/outstream/telemetry"
	"github.com/getlantern/outstream/web"
)

const (
	sinkWeb     = "web"
	sinkRelay   = "relay"
	sinkArchive = "archive"
)

var (
	// The below environment variables are passed by Heroku if deployed there
	httpPort           = os.Getenv("PORT")
	pprofAddr          = os.Getenv("PPROF_ADDR")
	redisURL           = os.Getenv("REDIS_URL")
	redisPoolSize      = os.Getenv("REDIS_POOL_SIZE")
	redisCAPEM         = os.Getenv("REDIS_CA_CERT")
	redisClientCertPEM = os.Getenv("REDIS_CLIENT_CERT")
	redisClientKeyPEM  = os.Getenv("REDIS_CLIENT_KEY")
	awsAccessKeyID     = os.Getenv("AWS_ACCESS_KEY_ID")
	awsSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	awsEndpoint        = os.Getenv("AWS_ENDPOINT")
	awsRegion          = os.Getenv("AWS_REGION")
	awsBucket          = os.Getenv("AWS_BUCKET")
	sink               = flag.String("sink", sinkWeb, "who consumes new streams, one of web, relay or archive")
	writeTimeout       = flag.Duration("writetimeout", 0, "how long writes into a stream wait for demand, 0 waits forever")
	maxStreams         = flag.Int("maxstreams", 1000, "how many streams to keep before evicting the least recently used")
	webTimeout         = flag.Duration("webtimeout", 60*time.Second, "timeout for reading web request headers and for sending a chunk to a websocket consumer")
	relayTopicPrefix   = flag.String("relaytopic", "stream:", "prefix of the Redis topic each stream is relayed to, followed by the stream id")
	relayBatchSize     = flag.Int64("relaybatch", 16, "how many chunks the relay requests at a time")
	trimMaxLen         = flag.Int("trimmaxlen", 10000, "approximate maximum length of relayed topics")
	trimInterval       = flag.Duration("triminterval", 5*time.Minute, "how frequently to trim relayed topics")

	log = golog.LoggerFor("outstream")
)

var (
	redisURLRegExp = regexp.MustCompile(`^redis(s?)://:(.+)?@([^\s]+)$`)
)

func parseRedisURL(redisURL string) (useHTTPS bool, password string, redisAddr string, err error) {
	matches := redisURLRegExp.FindStringSubmatch(redisURL)
	if len(matches) < 4 {
		return false, "", "", fmt.Errorf("should match %v", redisURLRegExp.String())
	}
	return matches[1] == "s", matches[2], matches[3], nil
}

func main() {
	flag.Parse()

	if pprofAddr != "" {
		go func() {
			log.Error(http.ListenAndServe(pprofAddr, nil))
		}()
	}

	if httpPort == "" {
		log.Fatal("Missing PORT environment variable")
	}

	stopTelemetry := telemetry.Start()
	defer stopTelemetry()

	log.Debugf("Using web timeout of %v", *webTimeout)

	onCreate, err := sinkFor(*sink)
	if err != nil {
		log.Fatal(err)
	}

	h, err := hub.New(&hub.Opts{
		MaxStreams: *maxStreams,
		Bridge: bridge.Opts{
			WriteTimeout: *writeTimeout,
		},
		OnCreate: onCreate,
	})
	if err != nil {
		log.Fatalf("unable to create hub: %v", err)
	}
	defer h.Close()

	handler := web.NewHandler(h, &web.Opts{
		SendTimeout: *webTimeout,
	})

	// streams are long lived, so only the request headers are subject to a timeout
	srv := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           handler,
		ReadHeaderTimeout: *webTimeout,
	}
	log.Debugf("Listening for %v consumers at %v", *sink, srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

// sinkFor builds the hook that attaches the configured sink to each new stream. The web sink leaves streams
// for websocket consumers, so it has no hook.
func sinkFor(sink string) (func(id string, b *bridge.Bridge) error, error) {
	switch sink {
	case sinkWeb:
		return nil, nil
	case sinkRelay:
		client := redisClient()
		b, err := redisbroker.New(client)
		if err != nil {
			return nil, fmt.Errorf("unable to start redisbroker: %v", err)
		}
		go redisbroker.PeriodicallyTrimStreams(client, *trimMaxLen, *trimInterval, 1000, nil)
		return relayTo(b, *relayTopicPrefix, *relayBatchSize), nil
	case sinkArchive:
		archiver, err := s3archive.New(&s3archive.Opts{
			AccessKeyID:     awsAccessKeyID,
			SecretAccessKey: awsSecretAccessKey,
			Endpoint:        awsEndpoint,
			Region:          awsRegion,
			Bucket:          awsBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to start s3 archiver: %v", err)
		}
		return archiveTo(archiver), nil
	default:
		return nil, fmt.Errorf("unknown sink %v, use one of %v, %v or %v", sink, sinkWeb, sinkRelay, sinkArchive)
	}
}

func relayTo(b broker.Broker, topicPrefix string, batchSize int64) func(id string, br *bridge.Bridge) error {
	return func(id string, br *bridge.Bridge) error {
		topic := topicPrefix + id
		pub, err := b.NewPublisher(topic)
		if err != nil {
			return err
		}
		return br.Subscribe(relay.Publish(pub, &relay.Opts{
			BatchSize: batchSize,
			OnDone: func(err error) {
				if err != nil {
					log.Errorf("Relaying stream %v to %v failed: %v", id, topic, err)
				} else {
					log.Debugf("Relayed stream %v to %v", id, topic)
				}
			},
		}))
	}
}

func archiveTo(archiver *s3archive.Archiver) func(id string, b *bridge.Bridge) error {
	return func(id string, b *bridge.Bridge) error {
		upload, err := archiver.Subscriber(id)
		if err != nil {
			return err
		}
		if err := b.Subscribe(upload); err != nil {
			return err
		}
		go func() {
			info, err := upload.Wait()
			if err != nil {
				log.Errorf("Archiving stream %v failed: %v", id, err)
				return
			}
			log.Debugf("Archived stream %v as %v (%d bytes)", id, info.Key, info.Size)
		}()
		return nil
	}
}

func redisClient() *redis.Client {
	useTLS, redisPassword, redisAddr, err := parseRedisURL(redisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}

	log.Debugf("Connecting to redis at %v", redisAddr)

	var tlsConfig *tls.Config
	if !useTLS {
		log.Debug("WARNING: connecting to Redis without TLS")
	} else {
		log.Debug("Connecting to Redis with TLS")
		if redisCAPEM == "" {
			log.Fatal("Please specify a REDIS_CA_CERT")
		}
		if redisClientCertPEM == "" {
			log.Fatal("Please specify a REDIS_CLIENT_CERT")
		}
		if redisClientKeyPEM == "" {
			log.Fatal("Please specify a REDIS_CLIENT_KEY")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cleanPEMNewLines(redisCAPEM)) {
			log.Fatal("Unable to find any certs in REDIS_CA_CERT")
		}
		redisClientCert, err := tls.X509KeyPair(cleanPEMNewLines(redisClientCertPEM), cleanPEMNewLines(redisClientKeyPEM))
		if err != nil {
			log.Fatalf("Failed to load Redis Client cert and key: %v", err)
		}

		tlsConfig = &tls.Config{
			RootCAs:            pool,
			Certificates:       []tls.Certificate{redisClientCert},
			ClientSessionCache: tls.NewLRUClientSessionCache(100),
		}
	}

	poolSize, err := strconv.Atoi(redisPoolSize)
	if err != nil {
		log.Debug("Defaulting redis pool size to 100")
		poolSize = 100
	}

	opTimeout := *webTimeout - 500*time.Millisecond
	return redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		PoolSize:     poolSize,
		PoolTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		IdleTimeout:  opTimeout,
		DialTimeout:  opTimeout,
		TLSConfig:    tlsConfig,
	})
}

func cleanPEMNewLines(pem string) []byte {
	return []byte(strings.Replace(pem, "\\n", "\n", -1))
}
