// Package hls describes the adaptive-bitrate ladder, the on-disk layout of a
// transcoded package and the checks a package must pass before publishing.
package hls

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rendition is one target resolution/bitrate of the ABR ladder.
type Rendition struct {
	Label            string `yaml:"label" json:"label"`
	Width            int    `yaml:"width" json:"width"`
	Height           int    `yaml:"height" json:"height"`
	VideoBitrateKbps int    `yaml:"video_bitrate_kbps" json:"videoBitrateKbps"`
	MaxBitrateKbps   int    `yaml:"max_bitrate_kbps" json:"maxBitrateKbps"`
	BufferSizeKbps   int    `yaml:"buffer_size_kbps" json:"bufferSizeKbps"`
	AudioBitrateKbps int    `yaml:"audio_bitrate_kbps" json:"audioBitrateKbps"`
}

// Ladder is ordered highest to lowest quality. The index of a rendition is
// its stream identifier (stream_0, stream_1, ...).
type Ladder []Rendition

// DefaultLadder returns the 1080p/720p/480p ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Label: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, MaxBitrateKbps: 5350, BufferSizeKbps: 7500, AudioBitrateKbps: 192},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, MaxBitrateKbps: 2996, BufferSizeKbps: 4200, AudioBitrateKbps: 128},
		{Label: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1400, MaxBitrateKbps: 1498, BufferSizeKbps: 2100, AudioBitrateKbps: 96},
	}
}

type ladderFile struct {
	Renditions Ladder `yaml:"renditions"`
}

// LoadLadder reads a YAML ladder file of the form
//
//	renditions:
//	  - label: 1080p
//	    width: 1920
//	    ...
func LoadLadder(path string) (Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ladder file: %w", err)
	}
	return ParseLadder(data)
}

// ParseLadder decodes and validates a YAML ladder document.
func ParseLadder(data []byte) (Ladder, error) {
	var f ladderFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse ladder: %w", err)
	}
	ladder := f.Renditions.withDefaults()
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}

// withDefaults fills maxrate/bufsize from the target bitrate when omitted.
func (l Ladder) withDefaults() Ladder {
	out := make(Ladder, len(l))
	for i, r := range l {
		if r.MaxBitrateKbps == 0 {
			r.MaxBitrateKbps = r.VideoBitrateKbps * 107 / 100
		}
		if r.BufferSizeKbps == 0 {
			r.BufferSizeKbps = r.VideoBitrateKbps * 3 / 2
		}
		out[i] = r
	}
	return out
}

// Validate checks that the ladder is usable by the transcoder.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("rendition ladder is empty")
	}
	seen := make(map[string]bool, len(l))
	for i, r := range l {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return fmt.Errorf("rendition %d: label is required", i)
		}
		if seen[label] {
			return fmt.Errorf("rendition %d: duplicate label %q", i, label)
		}
		seen[label] = true
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("rendition %s: width and height must be positive", label)
		}
		if r.Width%2 != 0 || r.Height%2 != 0 {
			return fmt.Errorf("rendition %s: width and height must be even for yuv420p", label)
		}
		if r.VideoBitrateKbps <= 0 || r.AudioBitrateKbps <= 0 {
			return fmt.Errorf("rendition %s: bitrates must be positive", label)
		}
		if r.MaxBitrateKbps < r.VideoBitrateKbps {
			return fmt.Errorf("rendition %s: max bitrate below target bitrate", label)
		}
	}
	return nil
}

// Bandwidth approximates the BANDWIDTH attribute advertised for a rendition
// in the master manifest, in bits per second.
func (r Rendition) Bandwidth() int {
	return (r.MaxBitrateKbps + r.AudioBitrateKbps) * 1000
}
