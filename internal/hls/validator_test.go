package hls

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
)

const testVariantPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:15
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:15.000000,
data00.ts
#EXTINF:7.500000,
data01.ts
#EXT-X-ENDLIST
`

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func masterPlaylist(ladder Ladder) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for i, r := range ladder {
		fmt.Fprintf(&sb, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", r.Bandwidth(), r.Width, r.Height)
		fmt.Fprintf(&sb, "%s/%s\n", StreamDirName(i), VariantManifestName)
	}
	return sb.String()
}

func buildPackage(t *testing.T, ladder Ladder) *Package {
	t.Helper()
	pkg := NewPackage(t.TempDir(), ladder)
	writeFile(t, pkg.MasterPath(), masterPlaylist(ladder))
	for i := range ladder {
		writeFile(t, pkg.VariantPath(i), testVariantPlaylist)
		writeFile(t, filepath.Join(pkg.StreamDir(i), "data00.ts"), "segment")
	}
	return pkg
}

func TestValidator_AcceptsCompletePackage(t *testing.T) {
	pkg := buildPackage(t, DefaultLadder())

	if err := NewValidator(0).Validate(pkg); err != nil {
		t.Fatalf("expected valid package, got %v", err)
	}
}

func TestValidator_ReportsEveryMissingRendition(t *testing.T) {
	ladder := DefaultLadder()
	pkg := buildPackage(t, ladder)

	if err := os.Remove(pkg.VariantPath(0)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(pkg.VariantPath(2)); err != nil {
		t.Fatal(err)
	}

	err := NewValidator(0).Validate(pkg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !apperrors.IsCode(err, apperrors.CodeValidationError) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError in chain, got %T", err)
	}

	missing := verr.MissingRenditions()
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 2 {
		t.Errorf("expected renditions [0 2] reported, got %v", missing)
	}
}

func TestValidator_MissingMaster(t *testing.T) {
	pkg := buildPackage(t, DefaultLadder())
	if err := os.Remove(pkg.MasterPath()); err != nil {
		t.Fatal(err)
	}

	err := NewValidator(0).Validate(pkg)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Problems) != 1 || verr.Problems[0].Rendition != -1 {
		t.Errorf("expected a single master problem, got %+v", verr.Problems)
	}
}

func TestValidator_TinyManifestIsBroken(t *testing.T) {
	pkg := buildPackage(t, DefaultLadder())
	writeFile(t, pkg.VariantPath(1), "#EXTM3U\n")

	err := NewValidator(0).Validate(pkg)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Problems) != 1 || verr.Problems[0].Rendition != 1 {
		t.Fatalf("expected one problem for rendition 1, got %+v", verr.Problems)
	}
	if !strings.Contains(verr.Problems[0].Reason, "too small") {
		t.Errorf("unexpected reason %q", verr.Problems[0].Reason)
	}
}

func TestValidator_MasterMustReferenceEveryRendition(t *testing.T) {
	ladder := DefaultLadder()
	pkg := buildPackage(t, ladder)
	writeFile(t, pkg.MasterPath(), masterPlaylist(ladder[:2]))

	err := NewValidator(0).Validate(pkg)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	missing := verr.MissingRenditions()
	if len(missing) != 1 || missing[0] != 2 {
		t.Errorf("expected rendition 2 reported, got %v", missing)
	}
}
