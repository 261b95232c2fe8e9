package storage

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/hls"
	"github.com/openvideoplatform/encoder/internal/logger"
)

const cleanupTimeout = 2 * time.Minute

// UploadResult is one file published for a package.
type UploadResult struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	ETag      string `json:"eTag"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Publication is the outcome of uploading a whole package.
type Publication struct {
	Results      []UploadResult
	MasterURL    string
	ThumbnailURL string
}

// TotalBytes sums the sizes of every uploaded file.
func (p *Publication) TotalBytes() int64 {
	var n int64
	for _, r := range p.Results {
		n += r.SizeBytes
	}
	return n
}

// VideoPrefix is the root key of everything published for a video.
func VideoPrefix(videoID string) string {
	return path.Join("videos", videoID)
}

// PackagePrefix is the root key of a video's HLS package.
func PackagePrefix(videoID string) string {
	return path.Join(VideoPrefix(videoID), "hls")
}

// MasterKey is the key of a video's master manifest.
func MasterKey(videoID string) string {
	return path.Join(PackagePrefix(videoID), hls.MasterManifestName)
}

// ThumbnailKey is the key of a video's poster frame.
func ThumbnailKey(videoID string) string {
	return path.Join(VideoPrefix(videoID), hls.ThumbnailName)
}

// Uploader publishes working packages.
type Uploader struct {
	store           ObjectStore
	fileConcurrency int
	publicBaseURL   string
	log             *logger.Logger
}

// NewUploader creates an uploader sending up to fileConcurrency files at
// once. When publicBaseURL is set, returned URLs are built from it instead
// of the store's own address.
func NewUploader(store ObjectStore, fileConcurrency int, publicBaseURL string, log *logger.Logger) *Uploader {
	if fileConcurrency <= 0 {
		fileConcurrency = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Uploader{
		store:           store,
		fileConcurrency: fileConcurrency,
		publicBaseURL:   publicBaseURL,
		log:             log.WithComponent("uploader"),
	}
}

type uploadFile struct {
	key  string
	path string
}

// Upload pushes every file of pkg under videos/{videoID}/. Variant files and
// the thumbnail are uploaded first; the master manifest is written only once
// all of them have completed. If any file fails, objects already written by
// this call are deleted on a best-effort basis and UPLOAD_FAILED is returned.
func (u *Uploader) Upload(ctx context.Context, pkg *hls.Package, videoID string) (*Publication, error) {
	if path.Dir(VideoPrefix(videoID)) != "videos" || path.Base(VideoPrefix(videoID)) != videoID {
		return nil, apperrors.UploadFailed("video id " + videoID + " does not map to a single key prefix")
	}
	files, err := u.variantFiles(pkg, videoID)
	if err != nil {
		return nil, apperrors.UploadFailed("failed to list package files").WithCause(err)
	}
	if pkg.HasThumbnail() {
		files = append(files, uploadFile{key: ThumbnailKey(videoID), path: pkg.Thumbnail})
	}

	var (
		mu       sync.Mutex
		uploaded []UploadResult
	)
	put := func(ctx context.Context, f uploadFile) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := u.store.PutFile(ctx, f.key, f.path, ContentType(f.path))
		if err != nil {
			return apperrors.UploadFailed("failed to upload " + f.key).
				WithCause(err).
				WithDetails(map[string]any{"key": f.key})
		}
		mu.Lock()
		uploaded = append(uploaded, UploadResult{
			Key:       f.key,
			URL:       u.URL(f.key),
			ETag:      obj.ETag,
			SizeBytes: obj.Size,
		})
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.fileConcurrency)
	for _, f := range files {
		g.Go(func() error { return put(gctx, f) })
	}
	if err := g.Wait(); err != nil {
		u.cleanup(ctx, uploaded)
		return nil, err
	}

	if err := put(ctx, uploadFile{key: MasterKey(videoID), path: pkg.MasterPath()}); err != nil {
		u.cleanup(ctx, uploaded)
		return nil, err
	}

	sort.Slice(uploaded, func(i, j int) bool { return uploaded[i].Key < uploaded[j].Key })
	pub := &Publication{Results: uploaded, MasterURL: u.URL(MasterKey(videoID))}
	if pkg.HasThumbnail() {
		pub.ThumbnailURL = u.URL(ThumbnailKey(videoID))
	}

	u.log.Info(ctx, "package uploaded", map[string]interface{}{
		"files":  len(uploaded),
		"bytes":  pub.TotalBytes(),
		"master": pub.MasterURL,
	})
	return pub, nil
}

// URL is the public address of key.
func (u *Uploader) URL(key string) string {
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + key
	}
	return u.store.URL(key)
}

// variantFiles lists every file under each rendition directory.
func (u *Uploader) variantFiles(pkg *hls.Package, videoID string) ([]uploadFile, error) {
	var files []uploadFile
	for i := range pkg.Ladder {
		streamDir := pkg.StreamDir(i)
		prefix := path.Join(PackagePrefix(videoID), hls.StreamDirName(i))
		err := filepath.WalkDir(streamDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(streamDir, p)
			if err != nil {
				return err
			}
			files = append(files, uploadFile{key: path.Join(prefix, filepath.ToSlash(rel)), path: p})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// cleanup deletes objects written by a failed upload. It runs even when ctx
// is already cancelled.
func (u *Uploader) cleanup(ctx context.Context, results []UploadResult) {
	if len(results) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	failed := 0
	for _, r := range results {
		if err := u.store.Delete(cctx, r.Key); err != nil {
			failed++
			u.log.WarnErr(ctx, "failed to delete partially uploaded object", err, map[string]interface{}{"key": r.Key})
		}
	}
	u.log.Info(ctx, "removed partially uploaded objects", map[string]interface{}{
		"deleted": len(results) - failed,
		"failed":  failed,
	})
}
