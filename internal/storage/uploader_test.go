package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/hls"
	"github.com/openvideoplatform/encoder/internal/hls/hlstest"
	"github.com/openvideoplatform/encoder/internal/logger"
)

// recordingStore keeps objects in memory and records call order.
type recordingStore struct {
	mu      sync.Mutex
	objects map[string]string
	puts    []string
	deletes []string
	failKey string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{objects: make(map[string]string)}
}

func (s *recordingStore) PutFile(ctx context.Context, key, filePath, contentType string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, key)
	if key == s.failKey {
		return nil, errors.New("connection reset by peer")
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	s.objects[key] = contentType
	return &Object{Key: key, ETag: "etag-" + key, Size: info.Size()}, nil
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	delete(s.objects, key)
	return nil
}

func (s *recordingStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *recordingStore) URL(key string) string         { return "http://store.local/bucket/" + key }
func (s *recordingStore) Ping(ctx context.Context) error { return nil }
func (s *recordingStore) Bucket() string                 { return "bucket" }

func newPackage(t *testing.T, withThumbnail bool) *hls.Package {
	t.Helper()
	pkg := hls.NewPackage(t.TempDir(), hls.DefaultLadder())
	if err := hlstest.WritePackage(pkg); err != nil {
		t.Fatalf("failed to write package: %v", err)
	}
	if withThumbnail {
		if err := hlstest.WriteThumbnail(pkg); err != nil {
			t.Fatal(err)
		}
		pkg.Thumbnail = pkg.ThumbnailPath()
	}
	return pkg
}

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test")
}

func TestUploader_KeyLayout(t *testing.T) {
	store := newRecordingStore()
	u := NewUploader(store, 4, "", testLogger())

	pub, err := u.Upload(context.Background(), newPackage(t, true), "v1")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	want := []string{
		"videos/v1/hls/master.m3u8",
		"videos/v1/thumbnail.jpg",
	}
	for i := 0; i < 3; i++ {
		dir := "videos/v1/hls/" + hls.StreamDirName(i) + "/"
		want = append(want, dir+"playlist.m3u8", dir+"data00.ts", dir+"data01.ts")
	}
	sort.Strings(want)

	var got []string
	for _, r := range pub.Results {
		got = append(got, r.Key)
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("keys:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	if pub.MasterURL != "http://store.local/bucket/videos/v1/hls/master.m3u8" {
		t.Errorf("MasterURL = %s", pub.MasterURL)
	}
	if pub.ThumbnailURL != "http://store.local/bucket/videos/v1/thumbnail.jpg" {
		t.Errorf("ThumbnailURL = %s", pub.ThumbnailURL)
	}
	if pub.TotalBytes() == 0 {
		t.Error("expected byte count")
	}
}

func TestUploader_RejectsIDsOutsideVideoPrefix(t *testing.T) {
	for _, id := range []string{"..", "../other", "a/b", "", "."} {
		store := newRecordingStore()
		u := NewUploader(store, 4, "", testLogger())

		_, err := u.Upload(context.Background(), newPackage(t, false), id)
		if !apperrors.IsCode(err, apperrors.CodeUploadFailed) {
			t.Errorf("%q: expected UPLOAD_FAILED, got %v", id, err)
		}
		if len(store.puts) != 0 {
			t.Errorf("%q: uploaded %v", id, store.puts)
		}
	}
}

func TestUploader_MasterUploadedLast(t *testing.T) {
	for run := 0; run < 10; run++ {
		store := newRecordingStore()
		u := NewUploader(store, 8, "", testLogger())
		if _, err := u.Upload(context.Background(), newPackage(t, true), "v1"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if last := store.puts[len(store.puts)-1]; last != MasterKey("v1") {
			t.Fatalf("last upload = %s, want master manifest", last)
		}
		for _, k := range store.puts[:len(store.puts)-1] {
			if k == MasterKey("v1") {
				t.Fatal("master manifest uploaded more than once")
			}
		}
	}
}

func TestUploader_ContentTypes(t *testing.T) {
	store := newRecordingStore()
	u := NewUploader(store, 2, "", testLogger())
	if _, err := u.Upload(context.Background(), newPackage(t, true), "v1"); err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"videos/v1/hls/master.m3u8":           "application/vnd.apple.mpegurl",
		"videos/v1/hls/stream_0/playlist.m3u8": "application/vnd.apple.mpegurl",
		"videos/v1/hls/stream_2/data01.ts":     "video/mp2t",
		"videos/v1/thumbnail.jpg":              "image/jpeg",
	}
	for key, want := range tests {
		if got := store.objects[key]; got != want {
			t.Errorf("%s content type = %q, want %q", key, got, want)
		}
	}
}

func TestUploader_NoThumbnail(t *testing.T) {
	store := newRecordingStore()
	u := NewUploader(store, 2, "", testLogger())

	pub, err := u.Upload(context.Background(), newPackage(t, false), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if pub.ThumbnailURL != "" {
		t.Errorf("ThumbnailURL = %q, want empty", pub.ThumbnailURL)
	}
	if _, ok := store.objects[ThumbnailKey("v1")]; ok {
		t.Error("thumbnail should not be uploaded")
	}
}

func TestUploader_FailureCleansUp(t *testing.T) {
	tests := []struct {
		name    string
		failKey string
	}{
		{"variant segment", "videos/v1/hls/stream_1/data00.ts"},
		{"master manifest", "videos/v1/hls/master.m3u8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newRecordingStore()
			store.failKey = tt.failKey
			u := NewUploader(store, 1, "", testLogger())

			_, err := u.Upload(context.Background(), newPackage(t, true), "v1")
			if !apperrors.IsCode(err, apperrors.CodeUploadFailed) {
				t.Fatalf("expected UPLOAD_FAILED, got %v", err)
			}
			if len(store.objects) != 0 {
				t.Errorf("expected every uploaded object to be removed, left %v", store.objects)
			}
			if tt.failKey != MasterKey("v1") {
				for _, k := range store.puts {
					if k == MasterKey("v1") {
						t.Error("master manifest must not be uploaded after a variant failure")
					}
				}
			}
		})
	}
}

func TestUploader_PublicBaseURL(t *testing.T) {
	u := NewUploader(newRecordingStore(), 1, "https://cdn.example.com", testLogger())
	if got := u.URL(MasterKey("v1")); got != "https://cdn.example.com/videos/v1/hls/master.m3u8" {
		t.Errorf("URL() = %s", got)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"master.m3u8", "application/vnd.apple.mpegurl"},
		{"data00.ts", "video/mp2t"},
		{"thumbnail.JPG", "image/jpeg"},
		{"init.mp4", "video/mp4"},
		{"notes.txt", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.name); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEndpointURL(t *testing.T) {
	if got := endpointURL("minio:9000", false); got != "http://minio:9000" {
		t.Errorf("got %s", got)
	}
	if got := endpointURL("https://s3.example.com/", false); got != "https://s3.example.com" {
		t.Errorf("got %s", got)
	}
}
