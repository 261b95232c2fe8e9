package hls

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
)

// DefaultMinManifestBytes is the smallest variant manifest considered to
// describe a real stream. A VOD playlist with a single segment is larger.
const DefaultMinManifestBytes = 100

// Problem is a single defect found in a package.
type Problem struct {
	// Rendition is the ordinal the problem belongs to, or -1 for the master.
	Rendition int    `json:"rendition"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}

func (p Problem) String() string {
	if p.Rendition < 0 {
		return fmt.Sprintf("master: %s (%s)", p.Reason, p.Path)
	}
	return fmt.Sprintf("%s: %s (%s)", StreamDirName(p.Rendition), p.Reason, p.Path)
}

// ValidationError lists every defect found in one pass.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("package invalid: %s", strings.Join(parts, "; "))
}

// MissingRenditions returns the ordinals with at least one problem.
func (e *ValidationError) MissingRenditions() []int {
	var out []int
	seen := make(map[int]bool)
	for _, p := range e.Problems {
		if p.Rendition >= 0 && !seen[p.Rendition] {
			seen[p.Rendition] = true
			out = append(out, p.Rendition)
		}
	}
	return out
}

// Validator gates a transcoded package before it is published.
type Validator struct {
	MinManifestBytes int64
}

// NewValidator creates a validator with the given manifest size floor.
func NewValidator(minManifestBytes int64) *Validator {
	if minManifestBytes <= 0 {
		minManifestBytes = DefaultMinManifestBytes
	}
	return &Validator{MinManifestBytes: minManifestBytes}
}

// Validate checks, in order: the master manifest exists, every rendition
// manifest exists, every rendition manifest is non-trivially sized, and the
// master references every rendition. All problems are collected.
func (v *Validator) Validate(pkg *Package) error {
	var problems []Problem

	masterPath := pkg.MasterPath()
	masterOK := true
	if _, err := os.Stat(masterPath); err != nil {
		masterOK = false
		problems = append(problems, Problem{Rendition: -1, Path: masterPath, Reason: "master manifest missing"})
	}

	present := make([]bool, len(pkg.Ladder))
	for i := range pkg.Ladder {
		p := pkg.VariantPath(i)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			problems = append(problems, Problem{Rendition: i, Path: p, Reason: "rendition manifest missing"})
			continue
		}
		present[i] = true
		if info.Size() < v.MinManifestBytes {
			problems = append(problems, Problem{
				Rendition: i,
				Path:      p,
				Reason:    fmt.Sprintf("rendition manifest too small (%d bytes < %d)", info.Size(), v.MinManifestBytes),
			})
		}
	}

	if masterOK {
		refs, err := masterReferences(masterPath)
		if err != nil {
			problems = append(problems, Problem{Rendition: -1, Path: masterPath, Reason: "master manifest unreadable: " + err.Error()})
		} else {
			for i := range pkg.Ladder {
				want := path.Join(StreamDirName(i), VariantManifestName)
				if !refs[want] && present[i] {
					problems = append(problems, Problem{Rendition: i, Path: masterPath, Reason: "master manifest does not reference " + want})
				}
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}

	verr := &ValidationError{Problems: problems}
	return apperrors.ValidationError(fmt.Sprintf("%d problem(s) in transcoded package", len(problems))).
		WithCause(verr).
		WithDetails(map[string]any{"renditions": verr.MissingRenditions()})
}

// masterReferences returns the URIs listed in a master manifest.
func masterReferences(p string) (map[string]bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	refs := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs[strings.TrimPrefix(line, "./")] = true
	}
	return refs, scanner.Err()
}
