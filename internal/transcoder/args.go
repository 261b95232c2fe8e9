package transcoder

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openvideoplatform/encoder/internal/hls"
)

// streamListArgs makes ffmpeg print the stream listing of source and exit.
func streamListArgs(source string) []string {
	return []string{"-hide_banner", "-i", source}
}

// hlsArgs builds a single ffmpeg invocation that decodes the source once,
// splits it into one scaled branch per rendition and muxes every branch
// into its own HLS variant plus a master manifest. Renditions carry the
// first audio stream only when withAudio is set.
func hlsArgs(source string, pkg *hls.Package, opts Options, withAudio bool) []string {
	ladder := pkg.Ladder
	n := len(ladder)
	seg := seconds(opts.SegmentDuration)

	args := []string{"-hide_banner", "-y", "-i", source}

	// [0:v]split=3[v0][v1][v2];[v0]scale=w=1920:h=1080[v0out];...
	var fc strings.Builder
	fmt.Fprintf(&fc, "[0:v]split=%d", n)
	for i := range ladder {
		fmt.Fprintf(&fc, "[v%d]", i)
	}
	for i, r := range ladder {
		fmt.Fprintf(&fc, ";[v%d]scale=w=%d:h=%d[v%dout]", i, r.Width, r.Height, i)
	}
	args = append(args, "-filter_complex", fc.String())

	for i, r := range ladder {
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), kbps(r.VideoBitrateKbps),
			fmt.Sprintf("-maxrate:v:%d", i), kbps(r.MaxBitrateKbps),
			fmt.Sprintf("-bufsize:v:%d", i), kbps(r.BufferSizeKbps),
		)
	}
	args = append(args,
		"-preset", opts.Preset,
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(int(math.Round(opts.SegmentDuration.Seconds()*30))),
		"-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*"+seg+")",
	)

	streamMap := make([]string, n)
	for i, r := range ladder {
		streamMap[i] = fmt.Sprintf("v:%d", i)
		if !withAudio {
			continue
		}
		args = append(args,
			"-map", "a:0",
			fmt.Sprintf("-c:a:%d", i), "aac",
			fmt.Sprintf("-b:a:%d", i), kbps(r.AudioBitrateKbps),
			"-ac", "2",
		)
		streamMap[i] += fmt.Sprintf(",a:%d", i)
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", seg,
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(pkg.Dir, "stream_%v", hls.SegmentPattern),
		"-master_pl_name", hls.MasterManifestName,
		"-var_stream_map", strings.Join(streamMap, " "),
		"-progress", "pipe:1",
		"-nostats",
		filepath.Join(pkg.Dir, "stream_%v", hls.VariantManifestName),
	)
	return args
}

// thumbnailArgs grabs one frame at the configured offset, scaled to a fixed
// width keeping the aspect ratio.
func thumbnailArgs(source string, pkg *hls.Package, opts Options) []string {
	return []string{
		"-hide_banner", "-y",
		"-ss", seconds(opts.ThumbnailOffset),
		"-i", source,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", opts.ThumbnailWidth),
		"-q:v", "3",
		pkg.ThumbnailPath(),
	}
}

// seconds formats d for ffmpeg time options, keeping fractions.
func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
