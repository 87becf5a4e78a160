package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

// mockObjectAPI records calls made by MinioUploader.
type mockObjectAPI struct {
	mu          sync.Mutex
	existsCalls int32
	makeCalls   int32
	existsErr   error
	exists      bool
	objects     map[string][]byte
	meta        map[string]map[string]string
}

func newMockObjectAPI() *mockObjectAPI {
	return &mockObjectAPI{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (m *mockObjectAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	atomic.AddInt32(&m.existsCalls, 1)
	// Widen the window for concurrent first callers.
	time.Sleep(10 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists, m.existsErr
}

func (m *mockObjectAPI) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	atomic.AddInt32(&m.makeCalls, 1)
	m.mu.Lock()
	m.exists = true
	m.mu.Unlock()
	return nil
}

func (m *mockObjectAPI) PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.mu.Lock()
	m.objects[object] = data
	m.meta[object] = opts.UserMetadata
	m.mu.Unlock()
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestMinioUploaderContentAddress(t *testing.T) {
	api := newMockObjectAPI()
	u := newMinioUploader(api, "leads")
	data := []byte(`{"id":"1"}`)

	cid, err := u.Upload(context.Background(), data, "lead-u-1.json")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	sum := sha256.Sum256(data)
	if want := hex.EncodeToString(sum[:]); cid != want {
		t.Errorf("cid = %s, want %s", cid, want)
	}
	if !bytes.Equal(api.objects[cid], data) {
		t.Error("object body not stored under cid")
	}
	if api.meta[cid]["filename"] != "lead-u-1.json" {
		t.Errorf("filename metadata missing: %v", api.meta[cid])
	}
}

func TestMinioUploaderBucketInitSingleFlight(t *testing.T) {
	api := newMockObjectAPI()
	u := newMinioUploader(api, "leads")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := u.Upload(context.Background(), []byte{byte(i)}, "f.json"); err != nil {
				t.Errorf("Upload failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&api.makeCalls); n != 1 {
		t.Errorf("MakeBucket called %d times, want 1", n)
	}
	before := atomic.LoadInt32(&api.existsCalls)
	if _, err := u.Upload(context.Background(), []byte("again"), "f.json"); err != nil {
		t.Fatal(err)
	}
	if after := atomic.LoadInt32(&api.existsCalls); after != before {
		t.Error("bucket check repeated after successful init")
	}
}

func TestMinioUploaderInitFailureNotMemoized(t *testing.T) {
	api := newMockObjectAPI()
	api.existsErr = errors.New("connection refused")
	u := newMinioUploader(api, "leads")

	if _, err := u.Upload(context.Background(), []byte("x"), "f.json"); err == nil {
		t.Fatal("expected init failure")
	}
	api.mu.Lock()
	api.existsErr = nil
	api.mu.Unlock()
	if _, err := u.Upload(context.Background(), []byte("x"), "f.json"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestMinioUploaderBucketInitOutlivesCallerCancel(t *testing.T) {
	api := newMockObjectAPI()
	u := newMinioUploader(api, "leads")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.ensureBucket(ctx); err != nil {
		t.Fatalf("bucket init should not inherit the caller's cancellation: %v", err)
	}
	if !u.ready.Load() {
		t.Fatal("bucket not marked ready")
	}
	if _, err := u.Upload(context.Background(), []byte("x"), "f.json"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if n := atomic.LoadInt32(&api.existsCalls); n != 1 {
		t.Errorf("BucketExists called %d times, want 1", n)
	}
}

func TestKuboUploader(t *testing.T) {
	var gotPin string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/add" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotPin = r.URL.Query().Get("pin")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Name":"","Hash":"bafytest","Size":"10"}`))
	}))
	defer srv.Close()

	k := NewKuboUploader(srv.URL+"/", nil)
	cid, err := k.Upload(context.Background(), []byte("payload"), "lead-u-1.json")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if cid != "bafytest" {
		t.Errorf("cid = %s, want bafytest", cid)
	}
	if gotPin != "true" {
		t.Errorf("pin = %q, want true", gotPin)
	}
	if !bytes.Contains(gotBody, []byte("payload")) {
		t.Errorf("multipart body does not carry the payload: %s", gotBody)
	}
}

func TestKuboUploaderHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewKuboUploader(srv.URL, nil).Upload(ctx, []byte("x"), "f.json")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestKuboUploaderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node offline", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewKuboUploader(srv.URL, nil).Upload(context.Background(), []byte("x"), "f.json"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestLeadFileName(t *testing.T) {
	now := time.UnixMilli(1741600000123)
	if got := LeadFileName("1789", now); got != "lead-1789-1741600000123.json" {
		t.Errorf("LeadFileName() = %s", got)
	}
}

