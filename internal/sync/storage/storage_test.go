package storage

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/nodesync/internal/config"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// fakeS3 serves the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	MaxKeys     int           `xml:"MaxKeys"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, listContent{Key: k, Size: len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Store(t *testing.T, prefix string) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "sync-bucket", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(context.Background(), config.S3Config{
		Bucket:          "sync-bucket",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Prefix:          prefix,
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("NewS3Store() error = %v", err)
	}
	return s, fake
}

func stores(t *testing.T) map[string]ObjectStore {
	dir, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() error = %v", err)
	}
	s3store, _ := newS3Store(t, "")
	return map[string]ObjectStore{"dir": dir, "s3": s3store}
}

// =====================================================
// ObjectStore Tests
// =====================================================

// TestObjectStore_roundTrip runs the same contract against both backends.
func TestObjectStore_roundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "nodes/a.json", []byte(`{"nodeId":"a"}`)); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Put(ctx, "nodes/b.json", []byte(`{"nodeId":"b"}`)); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Put(ctx, "other/c", []byte("c")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := s.Get(ctx, "nodes/a.json")
			if err != nil || string(got) != `{"nodeId":"a"}` {
				t.Fatalf("Get() = %q, %v", got, err)
			}

			keys, err := s.List(ctx, "nodes/")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(keys) != 2 || keys[0] != "nodes/a.json" || keys[1] != "nodes/b.json" {
				t.Errorf("List() = %v, want [nodes/a.json nodes/b.json]", keys)
			}

			// overwrite
			if err := s.Put(ctx, "nodes/a.json", []byte("v2")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if got, _ := s.Get(ctx, "nodes/a.json"); string(got) != "v2" {
				t.Errorf("Get() after overwrite = %q, want v2", got)
			}

			if err := s.Delete(ctx, "nodes/a.json"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := s.Get(ctx, "nodes/a.json"); !apperrors.Is(err, apperrors.ErrNotFound) {
				t.Errorf("Get() after delete = %v, want NOT_FOUND", err)
			}
			if err := s.Delete(ctx, "nodes/a.json"); err != nil {
				t.Errorf("Delete() of missing key = %v, want nil", err)
			}
		})
	}
}

// TestDirStore_invalidKey verifies keys cannot escape the root.
func TestDirStore_invalidKey(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "../escape", "/abs"} {
		if err := s.Put(context.Background(), key, []byte("x")); !apperrors.Is(err, apperrors.ErrInvalid) {
			t.Errorf("Put(%q) = %v, want INVALID_INPUT", key, err)
		}
	}
}

// TestS3Store_prefix verifies the configured prefix is applied and hidden.
func TestS3Store_prefix(t *testing.T) {
	ctx := context.Background()
	s, fake := newS3Store(t, "cluster-1/")

	if err := s.Put(ctx, "nodes/a.json", []byte("a")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["cluster-1/nodes/a.json"]; !ok {
		t.Errorf("objects = %v, want prefixed key", fake.objects)
	}
	keys, err := s.List(ctx, "nodes/")
	if err != nil || len(keys) != 1 || keys[0] != "nodes/a.json" {
		t.Errorf("List() = %v, %v, want [nodes/a.json]", keys, err)
	}
}

// TestOpen verifies backend selection.
func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.S3Config{}, "")
	if err != nil || s != nil {
		t.Errorf("Open(empty) = %v, %v, want nil, nil", s, err)
	}
	s, err = Open(ctx, config.S3Config{}, t.TempDir())
	if err != nil {
		t.Fatalf("Open(dir) error = %v", err)
	}
	if _, ok := s.(*DirStore); !ok {
		t.Errorf("Open(dir) = %T, want *DirStore", s)
	}
	s, err = Open(ctx, config.S3Config{Bucket: "b", Endpoint: "http://127.0.0.1:1"}, "")
	if err != nil {
		t.Fatalf("Open(s3) error = %v", err)
	}
	if _, ok := s.(*S3Store); !ok {
		t.Errorf("Open(s3) = %T, want *S3Store", s)
	}
}

// =====================================================
// Content Addressed Storage Tests
// =====================================================

// TestContentAddressed_StoreRetrieve verifies layout, dedup and verification.
func TestContentAddressed_StoreRetrieve(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cas := NewContentAddressedStorage(dir, "blobs")

	data := []byte("hello, sync")
	hash, err := cas.Store(ctx, data)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if hash != CalculateHash(data) {
		t.Errorf("Store() = %s, want %s", hash, CalculateHash(data))
	}

	keys, _ := dir.List(ctx, "blobs/")
	want := "blobs/" + hash[0:2] + "/" + hash[2:4] + "/" + hash
	if len(keys) != 1 || keys[0] != want {
		t.Errorf("keys = %v, want [%s]", keys, want)
	}

	again, err := cas.Store(ctx, data)
	if err != nil || again != hash {
		t.Errorf("Store() again = %s, %v", again, err)
	}
	if keys, _ := dir.List(ctx, "blobs/"); len(keys) != 1 {
		t.Errorf("duplicate content stored %d times", len(keys))
	}

	got, err := cas.Retrieve(ctx, hash)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Retrieve() = %q, %v", got, err)
	}

	if ok, _ := cas.Exists(ctx, hash); !ok {
		t.Error("Exists() = false, want true")
	}
	if ok, _ := cas.Exists(ctx, "zz"); ok {
		t.Error("Exists(invalid) = true")
	}
	if _, err := cas.Retrieve(ctx, "not-a-hash"); err == nil {
		t.Error("Retrieve(invalid) should fail")
	}
}

// TestContentAddressed_VerifyAll verifies corruption is reported.
func TestContentAddressed_VerifyAll(t *testing.T) {
	ctx := context.Background()
	dir, _ := NewDirStore(t.TempDir())
	cas := NewContentAddressedStorage(dir, "blobs")

	good, _ := cas.Store(ctx, []byte("good"))
	bad, _ := cas.Store(ctx, []byte("bad"))
	if err := dir.Put(ctx, cas.key(bad), []byte("tampered")); err != nil {
		t.Fatal(err)
	}

	all, err := cas.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListAll() = %v, %v", all, err)
	}
	corrupted, err := cas.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll() error = %v", err)
	}
	if len(corrupted) != 1 || corrupted[0] != bad {
		t.Errorf("VerifyAll() = %v, want [%s]", corrupted, bad)
	}
	if _, err := cas.Retrieve(ctx, good); err != nil {
		t.Errorf("Retrieve(good) = %v", err)
	}

	if err := cas.Delete(ctx, good); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := cas.Exists(ctx, good); ok {
		t.Error("Exists() after Delete = true")
	}
}

// =====================================================
// Archive Tests
// =====================================================

func archivedEvents() []*models.ChangeEvent {
	return []*models.ChangeEvent{
		{
			EventID:      "11111111-1111-4111-8111-111111111111",
			SourceNodeID: "node-a",
			SourceSeq:    1,
			Table:        "products",
			RecordID:     "p1",
			Operation:    models.OpUpdate,
			ChangeData:   []byte(`{"id":"p1","price":10}`),
			VectorClock:  models.VectorClock{"node-a": 1},
			LamportClock: 1 << 40,
			Outcome:      models.OutcomeDiscarded,
			Processed:    true,
		},
		{
			EventID:      "22222222-2222-4222-8222-222222222222",
			SourceNodeID: "node-b",
			SourceSeq:    4,
			Table:        "products",
			RecordID:     "p1",
			Operation:    models.OpUpdate,
			ChangeData:   []byte(`{"id":"p1","price":12}`),
			VectorClock:  models.VectorClock{"node-b": 4},
			LamportClock: 7,
			Outcome:      models.OutcomeApplied,
			Processed:    true,
		},
	}
}

// TestArchive_roundTrip verifies plain and sealed archives.
func TestArchive_roundTrip(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
	}{
		{"plain", ""},
		{"sealed", "archive-pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir, _ := NewDirStore(t.TempDir())
			a := NewArchive(dir, "node-a", tt.passphrase)
			a.now = func() time.Time { return time.Unix(1700000000, 0) }

			b, err := a.ArchiveEvents(ctx, archivedEvents())
			if err != nil {
				t.Fatalf("ArchiveEvents() error = %v", err)
			}
			if b.Count != 2 || b.Encrypted != (tt.passphrase != "") {
				t.Errorf("Batch = %+v", b)
			}

			batches, err := a.Batches(ctx)
			if err != nil || len(batches) != 1 || batches[0].Hash != b.Hash {
				t.Fatalf("Batches() = %v, %v", batches, err)
			}

			events, err := a.Load(ctx, b.Hash)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("Load() returned %d events, want 2", len(events))
			}
			if events[0].LamportClock != 1<<40 || events[0].Outcome != models.OutcomeDiscarded {
				t.Errorf("Load()[0] = %+v", events[0])
			}
			if string(events[1].ChangeData) != `{"id":"p1","price":12}` {
				t.Errorf("Load()[1].ChangeData = %s", events[1].ChangeData)
			}
		})
	}
}

// TestArchive_wrongPassphrase verifies sealed blobs need the right key.
func TestArchive_wrongPassphrase(t *testing.T) {
	ctx := context.Background()
	dir, _ := NewDirStore(t.TempDir())
	b, err := NewArchive(dir, "node-a", "right").ArchiveEvents(ctx, archivedEvents())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewArchive(dir, "node-a", "wrong").Load(ctx, b.Hash); err == nil {
		t.Error("Load() with wrong passphrase should fail")
	}
}

// TestArchive_empty verifies nothing is written for an empty batch.
func TestArchive_empty(t *testing.T) {
	dir, _ := NewDirStore(t.TempDir())
	b, err := NewArchive(dir, "node-a", "").ArchiveEvents(context.Background(), nil)
	if err != nil || b != nil {
		t.Errorf("ArchiveEvents(nil) = %v, %v, want nil, nil", b, err)
	}
}

// TestArchive_s3 verifies the archive works over the S3 backend.
func TestArchive_s3(t *testing.T) {
	ctx := context.Background()
	s, _ := newS3Store(t, "")
	a := NewArchive(s, "node-b", "")
	b, err := a.ArchiveEvents(ctx, archivedEvents())
	if err != nil {
		t.Fatalf("ArchiveEvents() error = %v", err)
	}
	events, err := a.Load(ctx, b.Hash)
	if err != nil || len(events) != 2 {
		t.Errorf("Load() = %d events, %v", len(events), err)
	}
}
