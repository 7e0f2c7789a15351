package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/ledger/ledgertest"
)

// fakeS3 records PUT requests by path
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	status  int
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		return &http.Response{StatusCode: f.status, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.objects[req.URL.Path] = body
	f.types[req.URL.Path] = req.Header.Get("Content-Type")
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
}

func newTestArchive(t *testing.T, prefix string) (*Archive, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("http://s3.test.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.RetryMaxAttempts = 1
	})
	return NewWithClient(client, Config{Bucket: "ledger", Prefix: prefix}, nil), fake
}

func TestPublishWritesBatchObject(t *testing.T) {
	archive, fake := newTestArchive(t, "device-1")
	medicine := ledger.NewMedicineID()
	events := []ledger.DomainEvent{
		ledgertest.Event(ledger.EventPurchaseRecorded, medicine, ledgertest.Base),
		ledgertest.Event(ledger.EventIntakeRecorded, medicine, ledgertest.Base.Add(time.Hour)),
	}

	require.NoError(t, archive.Publish(context.Background(), events))

	key := "device-1/events/2024/01/01/" + events[0].ID.String() + ".json"
	assert.Equal(t, key, archive.Key(events))

	path := "/ledger/" + key
	require.Contains(t, fake.objects, path)
	assert.Equal(t, "application/json", fake.types[path])

	var batch Batch
	require.NoError(t, json.Unmarshal(fake.objects[path], &batch))
	assert.Equal(t, 2, batch.Count)
	require.Len(t, batch.Events, 2)
	ledgertest.AssertSameEvent(t, events[0], batch.Events[0])
	ledgertest.AssertSameEvent(t, events[1], batch.Events[1])
}

func TestPublishEmptyBatchWritesNothing(t *testing.T) {
	archive, fake := newTestArchive(t, "")
	require.NoError(t, archive.Publish(context.Background(), nil))
	assert.Empty(t, fake.objects)
}

func TestPublishSurfacesServerErrors(t *testing.T) {
	archive, fake := newTestArchive(t, "")
	fake.status = http.StatusForbidden

	e := ledgertest.Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), ledgertest.Base)
	err := archive.Publish(context.Background(), []ledger.DomainEvent{e})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "events/2024/01/01/"))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}
