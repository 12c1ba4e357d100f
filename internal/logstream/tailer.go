package logstream

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"
)

// Tailer polls a build log file for new lines and sends them on a channel.
// The dev broker uses it to replay a real build's output onto a log topic.
type Tailer struct {
	path     string
	backlog  int
	interval time.Duration
	idle     time.Duration
}

// NewTailer creates a tailer for path. backlog is the number of trailing lines
// already in the file to send first; a negative backlog sends all of them.
func NewTailer(path string, backlog int) *Tailer {
	return &Tailer{
		path:     path,
		backlog:  backlog,
		interval: 500 * time.Millisecond,
	}
}

// WithInterval changes the poll interval.
func (t *Tailer) WithInterval(d time.Duration) *Tailer {
	t.interval = d
	return t
}

// StopWhenIdle makes the tailer finish once the file has not grown for d.
func (t *Tailer) StopWhenIdle(d time.Duration) *Tailer {
	t.idle = d
	return t
}

// Start begins tailing. The returned channel is closed when the context is
// cancelled or the idle limit is reached.
func (t *Tailer) Start(ctx context.Context) <-chan string {
	ch := make(chan string, defaultBuffer)
	go t.run(ctx, ch)
	return ch
}

func (t *Tailer) run(ctx context.Context, ch chan<- string) {
	defer close(ch)

	// The build may not have created the file yet.
	var offset int64
	for {
		if _, err := os.Stat(t.path); err == nil {
			var ok bool
			if offset, ok = t.sendBacklog(ctx, ch); !ok {
				return
			}
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.interval):
		}
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	lastGrowth := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(t.path)
			if err != nil {
				continue
			}
			size := info.Size()
			if size < offset {
				// truncated
				offset = 0
			}
			if size == offset {
				if t.idle > 0 && time.Since(lastGrowth) >= t.idle {
					return
				}
				continue
			}
			lastGrowth = time.Now()
			var ok bool
			if offset, ok = t.sendFrom(ctx, ch, offset); !ok {
				return
			}
		}
	}
}

// sendBacklog sends the last lines of the file and returns the offset after them.
func (t *Tailer) sendBacklog(ctx context.Context, ch chan<- string) (int64, bool) {
	f, err := os.Open(t.path)
	if err != nil {
		return 0, true
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, true
	}

	start := 0
	if t.backlog >= 0 && len(lines) > t.backlog {
		start = len(lines) - t.backlog
	}
	for _, line := range lines[start:] {
		select {
		case ch <- line:
		case <-ctx.Done():
			return pos, false
		}
	}
	return pos, true
}

// sendFrom sends complete lines written after offset and returns the offset
// after the last one sent.
func (t *Tailer) sendFrom(ctx context.Context, ch chan<- string, offset int64) (int64, bool) {
	f, err := os.Open(t.path)
	if err != nil {
		return offset, true
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, true
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// Partial line: pick it up on the next tick.
			return offset, true
		}
		offset += int64(len(line))
		select {
		case ch <- trimEOL(line):
		case <-ctx.Done():
			return offset, false
		}
	}
}

func trimEOL(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}
