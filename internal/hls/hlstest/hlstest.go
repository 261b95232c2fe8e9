// Package hlstest writes HLS working packages for tests.
package hlstest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openvideoplatform/encoder/internal/hls"
)

// Segments is the number of media segments written per rendition.
const Segments = 2

// WritePackage writes a complete, valid package for pkg.Ladder into pkg.Dir.
func WritePackage(pkg *hls.Package) error {
	var master strings.Builder
	master.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-INDEPENDENT-SEGMENTS\n")
	for i, r := range pkg.Ladder {
		fmt.Fprintf(&master, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"avc1.640028,mp4a.40.2\"\n%s/%s\n",
			r.Bandwidth(), r.Width, r.Height, hls.StreamDirName(i), hls.VariantManifestName)
		if err := WriteVariant(pkg, i); err != nil {
			return err
		}
	}
	return os.WriteFile(pkg.MasterPath(), []byte(master.String()), 0o644)
}

// WriteVariant writes the manifest and segments of rendition i.
func WriteVariant(pkg *hls.Package, i int) error {
	dir := pkg.StreamDir(i)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:15\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for s := 0; s < Segments; s++ {
		name := fmt.Sprintf(hls.SegmentPattern, s)
		fmt.Fprintf(&playlist, "#EXTINF:15.000000,\n%s\n", name)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("segment"), 0o644); err != nil {
			return err
		}
	}
	playlist.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(pkg.VariantPath(i), []byte(playlist.String()), 0o644)
}

// WriteThumbnail writes a placeholder thumbnail.
func WriteThumbnail(pkg *hls.Package) error {
	return os.WriteFile(pkg.ThumbnailPath(), []byte{0xff, 0xd8, 0xff, 0xd9}, 0o644)
}
