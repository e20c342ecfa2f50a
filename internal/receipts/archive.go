// Package receipts archives the full transaction evidence of finished deposit
// attempts: the event payload plus the raw approval and deposit receipts. The
// s3 driver is the production path; the memory driver backs tests and local
// runs.
package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stackpool/savingsd/internal/depositevent"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	contentTypeJSON = "application/json"

	defaultMaxGetSize int64 = 4 << 20
)

var (
	ErrInvalidConfig   = errors.New("receipts: invalid config")
	ErrInvalidDocument = errors.New("receipts: invalid document")
	ErrNotFound        = errors.New("receipts: not found")
	ErrTooLarge        = errors.New("receipts: object too large")
)

// Document is one archived attempt.
type Document struct {
	Payload        depositevent.Payload `json:"payload"`
	ApproveReceipt *types.Receipt       `json:"approveReceipt,omitempty"`
	DepositReceipt *types.Receipt       `json:"depositReceipt,omitempty"`
	ArchivedAt     time.Time            `json:"archivedAt"`
}

// Archive persists attempt documents keyed by attempt id.
type Archive interface {
	Save(ctx context.Context, doc Document) error
	Load(ctx context.Context, attemptID common.Hash) (Document, error)
	Exists(ctx context.Context, attemptID common.Hash) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Load. Defaults to 4 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryArchive(cfg.Prefix), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	return strings.Trim(prefix, "/")
}

// objectKey is the bucket-relative layout: attempts/<attempt-id>.json.
func objectKey(prefix string, attemptID common.Hash) string {
	key := "attempts/" + strings.ToLower(attemptID.Hex()) + ".json"
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func validateDocument(doc Document) (common.Hash, error) {
	if doc.Payload.Version != depositevent.Version {
		return common.Hash{}, fmt.Errorf("%w: payload version %q", ErrInvalidDocument, doc.Payload.Version)
	}
	id := common.HexToHash(doc.Payload.AttemptID)
	if id == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: zero attempt id", ErrInvalidDocument)
	}
	return id, nil
}

type memoryArchive struct {
	mu     sync.RWMutex
	prefix string
	docs   map[string][]byte
}

func newMemoryArchive(prefix string) Archive {
	return &memoryArchive{
		prefix: normalizePrefix(prefix),
		docs:   make(map[string][]byte),
	}
}

func (m *memoryArchive) Save(_ context.Context, doc Document) error {
	id, err := validateDocument(doc)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("receipts: encode %s: %w", id, err)
	}

	m.mu.Lock()
	m.docs[objectKey(m.prefix, id)] = raw
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) Load(_ context.Context, attemptID common.Hash) (Document, error) {
	m.mu.RLock()
	raw, ok := m.docs[objectKey(m.prefix, attemptID)]
	m.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, attemptID)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("receipts: decode %s: %w", attemptID, err)
	}
	return doc, nil
}

func (m *memoryArchive) Exists(_ context.Context, attemptID common.Hash) (bool, error) {
	m.mu.RLock()
	_, ok := m.docs[objectKey(m.prefix, attemptID)]
	m.mu.RUnlock()
	return ok, nil
}

type s3Archive struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Archive(cfg Config) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}

	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}

	return &s3Archive{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Archive) Save(ctx context.Context, doc Document) error {
	id, err := validateDocument(doc)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("receipts: encode %s: %w", id, err)
	}

	key := objectKey(s.prefix, id)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(contentTypeJSON),
		Metadata: map[string]string{
			"account": doc.Payload.Account,
			"pool":    doc.Payload.Pool,
			"state":   doc.Payload.State,
		},
	})
	if err != nil {
		return fmt.Errorf("receipts/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Archive) Load(ctx context.Context, attemptID common.Hash) (Document, error) {
	key := objectKey(s.prefix, attemptID)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, attemptID)
		}
		return Document{}, fmt.Errorf("receipts/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, s.maxGetSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return Document{}, fmt.Errorf("receipts/s3: read %q: %w", key, err)
	}
	if int64(len(raw)) > s.maxGetSize {
		return Document{}, fmt.Errorf("%w: %s exceeds max %d bytes", ErrTooLarge, attemptID, s.maxGetSize)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("receipts: decode %s: %w", attemptID, err)
	}
	return doc, nil
}

func (s *s3Archive) Exists(ctx context.Context, attemptID common.Hash) (bool, error) {
	key := objectKey(s.prefix, attemptID)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("receipts/s3: head %q: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
