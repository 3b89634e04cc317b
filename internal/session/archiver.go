package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/parleyhq/parley/pkg/types"
)

// Transcript is the archived form of an ended session.
type Transcript struct {
	SessionID string          `json:"session_id"`
	CreatedAt time.Time       `json:"created_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Reason    string          `json:"reason"`
	Messages  []types.Message `json:"messages"`
}

// ArchiveConfig configures transcript archival to object storage.
type ArchiveConfig struct {
	Enabled       bool
	Bucket        string
	Region        string
	AccessKeyID   string // optional, default credential chain when empty
	SecretKey     string
	Endpoint      string // custom endpoint for MinIO and friends
	PathPrefix    string
	FlushInterval time.Duration
	BatchSize     int
}

// objectPutter is the slice of the S3 API the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver batches ended-session transcripts and uploads them to S3 as
// date-partitioned JSONL objects. Enqueue never blocks on the network and
// archival failures never affect session operations: a failed batch is
// re-queued for the next flush.
type Archiver struct {
	cfg    ArchiveConfig
	client objectPutter
	logger *slog.Logger

	mu    sync.Mutex
	queue []Transcript

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewArchiver builds an archiver and starts its flush loop.
func NewArchiver(cfg ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newArchiver(cfg, s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

func newArchiver(cfg ArchiveConfig, client objectPutter, logger *slog.Logger) *Archiver {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Archiver{
		cfg:    cfg,
		client: client,
		logger: logger,
		queue:  make([]Transcript, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.flushLoop()
	return a
}

// Enqueue queues one transcript for upload.
func (a *Archiver) Enqueue(t Transcript) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queue = append(a.queue, t)
	if len(a.queue) >= a.cfg.BatchSize {
		go func() {
			if err := a.flush(context.Background()); err != nil {
				a.logger.Warn("transcript flush failed", "error", err)
			}
		}()
	}
}

// Shutdown stops the flush loop and uploads whatever is still queued.
func (a *Archiver) Shutdown(ctx context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	return a.flush(ctx)
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.flush(context.Background()); err != nil {
				a.logger.Warn("transcript flush failed", "error", err)
			}
		case <-a.stopCh:
			return
		}
	}
}

// flush uploads the queued transcripts as one JSONL object. On upload
// failure the batch goes back to the front of the queue so the next flush
// retries it.
func (a *Archiver) flush(ctx context.Context) error {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return nil
	}
	batch := a.queue
	a.queue = make([]Transcript, 0, a.cfg.BatchSize)
	a.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			a.logger.Warn("encoding transcript", "session_id", batch[i].SessionID, "error", err)
		}
	}

	key := a.objectKey(time.Now().UTC())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.requeue(batch)
		return fmt.Errorf("archive: uploading %s: %w", key, err)
	}

	a.logger.Debug("transcripts archived", "key", key, "count", len(batch))
	return nil
}

func (a *Archiver) requeue(batch []Transcript) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queue = append(batch, a.queue...)
	// Cap the backlog so a long outage cannot grow memory without bound;
	// oldest transcripts are dropped first.
	if max := a.cfg.BatchSize * 10; len(a.queue) > max {
		dropped := len(a.queue) - max
		a.queue = a.queue[dropped:]
		a.logger.Warn("transcript backlog capped", "dropped", dropped)
	}
}

// objectKey builds a date-partitioned key:
// {prefix}/year=YYYY/month=MM/day=DD/transcripts_<nanos>.jsonl
func (a *Archiver) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d", t.Year(), t.Month(), t.Day())
	filename := fmt.Sprintf("transcripts_%d.jsonl", t.UnixNano())

	if a.cfg.PathPrefix != "" {
		return path.Join(a.cfg.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}
