// Package fetch retrieves tile bytes from object storage with shared,
// externally rotated credentials.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/minerva-story/server/internal/tilesource"
)

// ObjectGetter is the subset of the S3 client the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// TileCache stores raw tile bytes by object key.
type TileCache interface {
	GetTile(key string) ([]byte, bool)
	SetTile(key string, data []byte) error
}

// ErrorHandler receives tile fetch failures. It must not block.
type ErrorHandler func(url string, err error)

// Config configures a Fetcher.
type Config struct {
	Region       string
	Endpoint     string // optional S3-compatible endpoint
	UsePathStyle bool
	Credentials  *CredentialsHolder
	Cache        TileCache
	OnError      ErrorHandler
	Logger       *slog.Logger

	// NewClient overrides client construction; used with fakes in tests.
	NewClient func(Credentials) ObjectGetter
}

// Fetcher issues one GetObject per tile. It never retries: a failed tile is
// reported to OnError and rendered as missing.
type Fetcher struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	client        ObjectGetter
	clientVersion uint64
}

// NewFetcher creates a fetcher. A nil OnError logs the failure.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Credentials == nil {
		cfg.Credentials = NewCredentialsHolder(Credentials{})
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "fetch")

	f := &Fetcher{cfg: cfg, logger: logger}
	if f.cfg.OnError == nil {
		f.cfg.OnError = f.logError
	}
	if f.cfg.NewClient == nil {
		f.cfg.NewClient = f.newS3Client
	}
	return f
}

func (f *Fetcher) logError(url string, err error) {
	attrs := []any{"url", url, "err", err}
	if id, level, x, y, perr := tilesource.ParseTileName(path.Base(url)); perr == nil {
		attrs = append(attrs, "channel", id, "level", level, "x", x, "y", y)
	}
	f.logger.Error("tile fetch failed", attrs...)
}

func (f *Fetcher) newS3Client(creds Credentials) ObjectGetter {
	opts := s3.Options{
		Region: f.cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		UsePathStyle: f.cfg.UsePathStyle,
	}
	if f.cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(f.cfg.Endpoint)
	}
	if creds.Empty() {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	return s3.New(opts)
}

// getter returns a client bound to the current credentials, rebuilding it
// after a rotation.
func (f *Fetcher) getter() ObjectGetter {
	creds, version := f.cfg.Credentials.Get()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil || f.clientVersion != version {
		f.client = f.cfg.NewClient(creds)
		f.clientVersion = version
		f.logger.Debug("object storage client bound", "credentials_version", version)
	}
	return f.client
}

// Get reads one object.
func (f *Fetcher) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	cacheKey := bucket + "/" + key
	if f.cfg.Cache != nil {
		if data, ok := f.cfg.Cache.GetTile(cacheKey); ok {
			return data, nil
		}
	}

	out, err := f.getter().GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}

	if f.cfg.Cache != nil {
		if err := f.cfg.Cache.SetTile(cacheKey, data); err != nil {
			f.logger.Debug("tile not cached", "key", cacheKey, "err", err)
		}
	}
	return data, nil
}

// FetchTile resolves url to bucket/key and reads it. Failures go to the
// error handler; ok is false when no bytes are available.
func (f *Fetcher) FetchTile(ctx context.Context, url string) ([]byte, bool) {
	bucket, key, err := SplitURL(url)
	if err != nil {
		f.cfg.OnError(url, err)
		return nil, false
	}
	data, err := f.Get(ctx, bucket, key)
	if err != nil {
		f.cfg.OnError(url, err)
		return nil, false
	}
	return data, true
}
