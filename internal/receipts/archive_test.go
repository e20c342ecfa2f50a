package receipts

import (
	"context"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stackpool/savingsd/internal/deposit"
	"github.com/stackpool/savingsd/internal/depositevent"
)

func testDocument(t *testing.T) Document {
	t.Helper()

	amount, _ := new(big.Int).SetString("100000000000000000000", 10)
	payload, err := depositevent.BuildPayload(deposit.Record{
		Attempt: deposit.Attempt{
			AttemptID:   common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101"),
			Account:     common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1"),
			Pool:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Token:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Amount:      amount,
			OperationID: 7,
		},
		State:         deposit.StateConfirmed,
		DepositTxHash: common.HexToHash("0x7777777777777777777777777777777777777777777777777777777777777777"),
	})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}

	return Document{
		Payload: payload,
		DepositReceipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      common.HexToHash("0x7777777777777777777777777777777777777777777777777777777777777777"),
			BlockNumber: big.NewInt(42),
		},
		ArchivedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "savings-receipts"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "savings-receipts", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if a == nil {
				t.Fatalf("New returned nil archive")
			}
		})
	}
}

func TestMemoryArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Driver: DriverMemory, Prefix: "pool-a/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := testDocument(t)
	id := common.HexToHash(doc.Payload.AttemptID)

	if err := a.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ok, err := a.Exists(context.Background(), id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for archived attempt")
	}

	got, err := a.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Payload != doc.Payload {
		t.Fatalf("payload mismatch:\n got %+v\nwant %+v", got.Payload, doc.Payload)
	}
	if got.DepositReceipt == nil || got.DepositReceipt.TxHash != doc.DepositReceipt.TxHash {
		t.Fatalf("deposit receipt mismatch: %+v", got.DepositReceipt)
	}
	if !got.ArchivedAt.Equal(doc.ArchivedAt) {
		t.Fatalf("archived at: got %s want %s", got.ArchivedAt, doc.ArchivedAt)
	}

	var missing common.Hash
	missing[0] = 0xff
	if _, err := a.Load(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := testDocument(t)
	doc.Payload.Version = "other.v1"
	if err := a.Save(context.Background(), doc); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for bad version, got %v", err)
	}

	doc = testDocument(t)
	doc.Payload.AttemptID = ""
	if err := a.Save(context.Background(), doc); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for empty attempt id, got %v", err)
	}
}

func TestS3ArchiveSaveLoadExists(t *testing.T) {
	t.Parallel()

	doc := testDocument(t)
	id := common.HexToHash(doc.Payload.AttemptID)
	wantKey := "pool-a/attempts/" + strings.ToLower(id.Hex()) + ".json"

	var stored []byte
	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			if got := aws.ToString(in.Bucket); got != "savings-receipts" {
				t.Fatalf("bucket: got %q", got)
			}
			if got := aws.ToString(in.Key); got != wantKey {
				t.Fatalf("key: got %q want %q", got, wantKey)
			}
			if got := aws.ToString(in.ContentType); got != contentTypeJSON {
				t.Fatalf("content type: got %q", got)
			}
			if got := in.Metadata["pool"]; got != doc.Payload.Pool {
				t.Fatalf("pool metadata: got %q", got)
			}
			var err error
			stored, err = io.ReadAll(in.Body)
			return &s3.PutObjectOutput{}, err
		},
		getFn: func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			if got := aws.ToString(in.Key); got != wantKey {
				t.Fatalf("get key: got %q want %q", got, wantKey)
			}
			return &s3.GetObjectOutput{
				Body:        io.NopCloser(strings.NewReader(string(stored))),
				ContentType: aws.String(contentTypeJSON),
			}, nil
		},
		headFn: func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			if got := aws.ToString(in.Key); got != wantKey {
				t.Fatalf("head key: got %q want %q", got, wantKey)
			}
			return &s3.HeadObjectOutput{}, nil
		},
	}

	a, err := New(Config{
		Driver:   DriverS3,
		Bucket:   "savings-receipts",
		Prefix:   "pool-a",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := a.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Payload != doc.Payload {
		t.Fatalf("payload mismatch after s3 round trip")
	}

	ok, err := a.Exists(context.Background(), id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false")
	}
}

func TestS3ArchiveMapsNotFound(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}

	a, err := New(Config{Driver: DriverS3, Bucket: "savings-receipts", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var id common.Hash
	id[0] = 0x02
	if _, err := a.Load(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Load, got %v", err)
	}

	ok, err := a.Exists(context.Background(), id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists returned true for missing attempt")
	}
}

func TestS3ArchiveMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body: io.NopCloser(strings.NewReader("this payload is too large")),
			}, nil
		},
	}

	a, err := New(Config{
		Driver:     DriverS3,
		Bucket:     "savings-receipts",
		S3Client:   client,
		MaxGetSize: 8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var id common.Hash
	id[0] = 0x03
	if _, err := a.Load(context.Background(), id); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string            { return f.code }
func (f fakeAPIError) ErrorMessage() string         { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                { return f.code + ": " + f.msg }
