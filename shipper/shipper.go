package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/daniel-cole/GoS3LogShip/log"
	"github.com/daniel-cole/GoS3LogShip/rpolicy"
	"github.com/daniel-cole/GoS3LogShip/s3client"
)

// Config controls a single Shipper instance
type Config struct {
	// Bucket is the target S3 bucket for sealed segments
	Bucket string

	// App is the application identifier substituted into the name template
	App string

	// Policy controls rotation and key naming
	Policy rpolicy.RotationPolicy

	// MaxPending is the maximum number of sealed segments queued for
	// upload. Sealing blocks once the queue is full, bounding memory at
	// MaxPending * MaxFileSizeBytes. Defaults to 4.
	MaxPending int

	// NumWorkers is the number of concurrent upload workers. Uploads start
	// in seal order but may complete out of order. Defaults to 2.
	NumWorkers int

	// MaxAttempts is the upload attempt ceiling per segment. Defaults to 5.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt; it doubles on
	// every further attempt. Defaults to 500ms.
	InitialBackoff time.Duration

	// UploadTimeout bounds a single upload attempt. Defaults to 1 hour.
	UploadTimeout time.Duration

	// OnError receives upload failures that exhausted all attempts.
	// Defaults to logging through the package log sink.
	OnError func(error)
}

// UploadExhaustedError reports a segment abandoned after all upload
// attempts failed. The shipper keeps accepting writes after raising it.
type UploadExhaustedError struct {
	Key      string
	Bytes    int64
	Attempts int
	Err      error
}

func (e *UploadExhaustedError) Error() string {
	return fmt.Sprintf("gave up uploading segment '%s' (%d bytes) after %d attempts: %v",
		e.Key, e.Bytes, e.Attempts, e.Err)
}

func (e *UploadExhaustedError) Unwrap() error {
	return e.Err
}

// Shipper is a writable sink which buffers log records into the active
// segment, seals the segment when it reaches the configured size or age,
// and uploads sealed segments to S3 under templated keys.
//
// Write never performs network I/O; uploads run on background workers and
// overlap with further accumulation, so a slow upload never blocks or
// drops incoming records.
type Shipper struct {
	svc s3iface.S3API
	cfg Config

	mu      sync.Mutex
	seg     *segment
	lastKey string
	lastSeq int
	closed  bool

	tasks chan *uploadTask
	wg    sync.WaitGroup

	pendMu  sync.Mutex
	pending map[string]int64

	stopTick chan struct{}
	tickDone chan struct{}
}

// New validates the configuration and starts the rotation timer and upload
// workers. Misconfiguration is returned synchronously; a shipper is never
// constructed in a state where it would silently discard logs.
func New(svc s3iface.S3API, cfg Config) (*Shipper, error) {
	if svc == nil {
		return nil, errors.New("svc must not be nil")
	}

	if cfg.Bucket == "" {
		return nil, &s3client.ConfigurationError{Field: "bucket", Reason: "must not be empty"}
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, &s3client.ConfigurationError{Field: "policy", Reason: err.Error()}
	}

	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 4
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = time.Hour
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			log.Error.Println(err)
		}
	}

	s := &Shipper{
		svc:      svc,
		cfg:      cfg,
		seg:      newSegment(),
		tasks:    make(chan *uploadTask, cfg.MaxPending),
		pending:  make(map[string]int64),
		stopTick: make(chan struct{}),
		tickDone: make(chan struct{}),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	go s.rotateLoop()

	return s, nil
}

// Write appends a log record to the active segment. It implements
// io.Writer and never blocks on the network; it only blocks when the
// upload queue is already holding MaxPending sealed segments.
func (s *Shipper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("shipper is closed")
	}

	s.seg.write(p)

	if s.seg.size() >= s.cfg.Policy.MaxFileSizeBytes {
		s.sealLocked()
	}

	return len(p), nil
}

// Close seals and uploads the final partial segment, then waits for all
// in-flight uploads to finish. If ctx expires first, the returned error
// names the segment keys that were not confirmed uploaded.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("shipper is already closed")
	}
	s.closed = true
	if s.seg.size() > 0 {
		s.sealLocked()
	}
	s.mu.Unlock()

	close(s.stopTick)
	<-s.tickDone
	close(s.tasks)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown aborted with segments not confirmed uploaded: %v", s.unconfirmed())
	}
}

// The rotation timer fires independently of the write path. An empty
// segment is never sealed.
func (s *Shipper) rotateLoop() {
	defer close(s.tickDone)

	ticker := time.NewTicker(s.cfg.Policy.RotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed && s.seg.size() > 0 {
				s.sealLocked()
			}
			s.mu.Unlock()
		}
	}
}

// sealLocked turns the active segment into an upload task and allocates a
// fresh segment. Must be called with s.mu held; enqueueing may block until
// a worker drains the queue, which is the intended backpressure bound.
func (s *Shipper) sealLocked() {
	key := s.nextKeyLocked()
	if s.cfg.Policy.Compress {
		key += ".gz"
	}

	task := &uploadTask{
		key:        key,
		payload:    append([]byte(nil), s.seg.buf.Bytes()...),
		compressed: s.cfg.Policy.Compress,
	}

	log.Info.Printf("sealed segment '%s' (%d bytes) after %s\n",
		task.key, len(task.payload), time.Since(s.seg.createdAt))

	s.seg = newSegment()

	s.pendMu.Lock()
	s.pending[task.key] = int64(len(task.payload))
	s.pendMu.Unlock()

	s.tasks <- task
}

// Two rotations inside one interval boundary resolve to the same templated
// key; a sequence suffix keeps a later segment from overwriting an
// earlier one.
func (s *Shipper) nextKeyLocked() string {
	key := s.cfg.Policy.ResolveKey(s.cfg.App, time.Now())

	if key == s.lastKey {
		s.lastSeq++
		return fmt.Sprintf("%s-%d", key, s.lastSeq)
	}

	s.lastKey = key
	s.lastSeq = 0
	return key
}

func (s *Shipper) worker() {
	defer s.wg.Done()

	for task := range s.tasks {
		s.upload(task)
	}
}

// upload transfers one sealed segment with bounded exponential backoff.
// Exhaustion surfaces through OnError and never halts ingestion.
func (s *Shipper) upload(task *uploadTask) {
	rawSize := int64(len(task.payload))

	payload := task.payload
	if task.compressed {
		compressed, err := gzipBytes(payload)
		if err != nil {
			// gzip to memory cannot fail on healthy hardware; treat it
			// like any other abandoned segment rather than crash
			s.confirm(task.key)
			s.cfg.OnError(&UploadExhaustedError{Key: task.key, Bytes: rawSize, Attempts: 0, Err: err})
			return
		}
		payload = compressed
	}

	backoff := s.cfg.InitialBackoff
	var lastErr error

	for task.attempt = 1; task.attempt <= s.cfg.MaxAttempts; task.attempt++ {
		err := s.putObject(task.key, payload)
		if err == nil {
			log.Info.Printf("uploaded segment '%s' to bucket '%s'\n", task.key, s.cfg.Bucket)
			s.confirm(task.key)
			return
		}

		lastErr = err
		log.Warn.Printf("upload attempt %d/%d for segment '%s' failed: %v\n",
			task.attempt, s.cfg.MaxAttempts, task.key, err)

		if task.attempt < s.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	s.confirm(task.key)
	s.cfg.OnError(&UploadExhaustedError{
		Key:      task.key,
		Bytes:    rawSize,
		Attempts: s.cfg.MaxAttempts,
		Err:      lastErr,
	})
}

func (s *Shipper) putObject(key string, payload []byte) error {
	// Context provides a timeout with AWS SDK calls 'WithContext'
	ctx, cancelFn := context.WithTimeout(context.Background(), s.cfg.UploadTimeout)
	defer cancelFn()

	_, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})

	return err
}

func (s *Shipper) confirm(key string) {
	s.pendMu.Lock()
	delete(s.pending, key)
	s.pendMu.Unlock()
}

func (s *Shipper) unconfirmed() []string {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()

	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
