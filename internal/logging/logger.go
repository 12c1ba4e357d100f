package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gamenest/buildsync/internal/config"
)

// Setup points the standard logger at stderr, or at cfg.File when set. The
// returned closer releases the file.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	flags := log.LstdFlags
	if cfg.Microseconds {
		flags |= log.Lmicroseconds
	}
	log.SetFlags(flags)

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", cfg.File, err)
	}
	log.SetOutput(f)
	return f, nil
}

// BuildPrinter writes streamed build output for a terminal, one line per
// status change or log line, and keeps what it printed.
type BuildPrinter struct {
	gameID int64
	out    io.Writer
	now    func() time.Time

	mu    sync.Mutex
	lines []string
}

func NewBuildPrinter(gameID int64, out io.Writer) *BuildPrinter {
	return &BuildPrinter{
		gameID: gameID,
		out:    out,
		now:    time.Now,
	}
}

// Status prints a status transition, e.g. "[12:00:01] #42 Running".
func (p *BuildPrinter) Status(buildID int64, label string) {
	p.print(buildID, "status: "+label)
}

// Line prints one build log line.
func (p *BuildPrinter) Line(buildID int64, line string) {
	p.print(buildID, line)
}

// Log prints a free-form message that is not tied to a build.
func (p *BuildPrinter) Log(format string, args ...any) {
	p.print(0, fmt.Sprintf(format, args...))
}

func (p *BuildPrinter) print(buildID int64, text string) {
	ts := p.now().Format("15:04:05")
	var full string
	if buildID == 0 {
		full = fmt.Sprintf("[%s] game %d: %s", ts, p.gameID, text)
	} else {
		full = fmt.Sprintf("[%s] #%d %s", ts, buildID, text)
	}

	p.mu.Lock()
	p.lines = append(p.lines, full)
	fmt.Fprintln(p.out, full)
	p.mu.Unlock()
}

func (p *BuildPrinter) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(p.lines))
	copy(cp, p.lines)
	return cp
}
