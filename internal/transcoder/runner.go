package transcoder

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Stream identifies which process output a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Command is one external process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// OnLine is called for every output line while the process runs.
	OnLine func(stream Stream, line string)
}

// Result is what remains of a finished process.
type Result struct {
	ExitCode int
	// Tail holds the last diagnostic (stderr) lines.
	Tail []string
}

// Runner runs external processes. Run returns an error only when the
// process could not be started or was interrupted by ctx; a non-zero exit
// is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct {
	// TailLines bounds the diagnostic buffer kept per process.
	TailLines int
	// KillDelay is how long an interrupted process gets to exit after
	// SIGINT before it is killed.
	KillDelay time.Duration
}

// NewExecRunner returns a runner keeping the last 50 stderr lines.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{TailLines: 50, KillDelay: 10 * time.Second}
}

// Run starts the process, drains both output streams until exit and waits.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	// ffmpeg finalizes its output and exits on SIGINT
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.KillDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	tail := NewLogBuffer(r.TailLines)
	var wg sync.WaitGroup
	drain := func(rd io.Reader, stream Stream) {
		defer wg.Done()
		err := readLines(rd, maxLineBytes, func(line string) {
			if stream == Stderr {
				tail.Add(line)
			}
			if c.OnLine != nil {
				c.OnLine(stream, line)
			}
		})
		if err != nil {
			// keep the child from blocking on a full pipe
			io.Copy(io.Discard, rd)
		}
	}

	wg.Add(2)
	go drain(stdout, Stdout)
	go drain(stderr, Stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	res := &Result{Tail: tail.Lines()}
	if waitErr == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, waitErr
}

// maxLineBytes bounds one output line; the rest of a longer line is dropped.
const maxLineBytes = 64 * 1024

// readLines calls fn for every line of rd until EOF. Lines longer than max
// bytes are cut to max and their remainder is skipped.
func readLines(rd io.Reader, max int, fn func(string)) error {
	br := bufio.NewReaderSize(rd, 16*1024)
	line := make([]byte, 0, 256)
	for {
		chunk, err := br.ReadSlice('\n')
		if room := max - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || len(line) > 0 {
			fn(strings.TrimRight(string(line), "\r\n"))
		}
		line = line[:0]
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// LogBuffer keeps the most recent lines of a process's output.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogBuffer creates a ring buffer holding up to size lines.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{lines: make([]string, size)}
}

// Add appends a line, evicting the oldest when full.
func (b *LogBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Lines returns the buffered lines oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]string(nil), b.lines[:b.next]...)
	}
	out := make([]string, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	return append(out, b.lines[:b.next]...)
}
