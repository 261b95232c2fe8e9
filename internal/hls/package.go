package hls

import (
	"fmt"
	"path/filepath"
)

// Fixed names of the package layout. They are part of the storage contract
// with playback clients and must not change.
const (
	MasterManifestName  = "master.m3u8"
	VariantManifestName = "playlist.m3u8"
	SegmentPattern      = "data%02d.ts"
	ThumbnailName       = "thumbnail.jpg"
)

// StreamDirName returns the directory name of rendition i.
func StreamDirName(i int) string {
	return fmt.Sprintf("stream_%d", i)
}

// Package is the job-local working tree produced by the transcoder:
//
//	<Dir>/master.m3u8
//	<Dir>/stream_<i>/playlist.m3u8
//	<Dir>/stream_<i>/dataNN.ts
//	<Dir>/thumbnail.jpg
type Package struct {
	Dir       string
	Ladder    Ladder
	Thumbnail string
	// ThumbnailErr is set when thumbnail extraction failed. The package is
	// still publishable without one.
	ThumbnailErr error
	// SoftErrors holds transcoder diagnostic lines that looked like errors
	// during an otherwise successful run.
	SoftErrors []string
}

// NewPackage describes the layout rooted at dir for the given ladder.
func NewPackage(dir string, ladder Ladder) *Package {
	return &Package{Dir: dir, Ladder: ladder}
}

// MasterPath is the path of the master manifest.
func (p *Package) MasterPath() string {
	return filepath.Join(p.Dir, MasterManifestName)
}

// StreamDir is the directory of rendition i.
func (p *Package) StreamDir(i int) string {
	return filepath.Join(p.Dir, StreamDirName(i))
}

// VariantPath is the manifest path of rendition i.
func (p *Package) VariantPath(i int) string {
	return filepath.Join(p.StreamDir(i), VariantManifestName)
}

// ThumbnailPath is where the transcoder writes the poster frame.
func (p *Package) ThumbnailPath() string {
	return filepath.Join(p.Dir, ThumbnailName)
}

// HasThumbnail reports whether a thumbnail was produced.
func (p *Package) HasThumbnail() bool {
	return p.Thumbnail != ""
}
