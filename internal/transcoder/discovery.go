package transcoder

import (
	"fmt"
	"os"
	"os/exec"
)

// Where an executable path came from.
const (
	SourceConfigured  = "configured"
	SourceEnvironment = "environment"
	SourcePath        = "path"
)

// EnvExecutable is consulted when no explicit path is configured.
const EnvExecutable = "FFMPEG_PATH"

const defaultExecutable = "ffmpeg"

// Executable is a resolved transcoder binary.
type Executable struct {
	Path   string
	Source string
}

// ResolveExecutable finds ffmpeg: the explicitly configured path first,
// then $FFMPEG_PATH, then a PATH lookup.
func ResolveExecutable(configured string) (Executable, error) {
	if configured != "" {
		p, err := exec.LookPath(configured)
		if err != nil {
			return Executable{}, fmt.Errorf("%w: configured path %s: %v", ErrExecutableNotFound, configured, err)
		}
		return Executable{Path: p, Source: SourceConfigured}, nil
	}

	if fromEnv := os.Getenv(EnvExecutable); fromEnv != "" {
		p, err := exec.LookPath(fromEnv)
		if err != nil {
			return Executable{}, fmt.Errorf("%w: $%s=%s: %v", ErrExecutableNotFound, EnvExecutable, fromEnv, err)
		}
		return Executable{Path: p, Source: SourceEnvironment}, nil
	}

	p, err := exec.LookPath(defaultExecutable)
	if err != nil {
		return Executable{}, fmt.Errorf("%w: not in PATH and $%s unset", ErrExecutableNotFound, EnvExecutable)
	}
	return Executable{Path: p, Source: SourcePath}, nil
}
