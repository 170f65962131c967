package output

import (
	"io"
	"sync"

	"github.com/loykin/ollamad/internal/logger"
	"github.com/loykin/ollamad/internal/state"
)

// Tee mirrors captured output into rotating files, one per stream.
type Tee struct {
	mu     sync.Mutex
	stdout io.WriteCloser
	stderr io.WriteCloser
}

// NewTee opens lumberjack writers for name according to cfg.
// It returns nil when cfg configures no destination.
func NewTee(cfg logger.Config, name string) (*Tee, error) {
	outW, errW, err := cfg.ProcessWriters(name)
	if err != nil {
		return nil, err
	}
	if outW == nil && errW == nil {
		return nil, nil
	}
	return &Tee{stdout: outW, stderr: errW}, nil
}

// Write appends one line to the file for origin. Other origins are ignored.
func (t *Tee) Write(origin state.Origin, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var w io.Writer
	switch origin {
	case state.OriginStdout:
		w = t.stdout
	case state.OriginStderr:
		w = t.stderr
	}
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, text+"\n")
}

func (t *Tee) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, c := range []io.WriteCloser{t.stdout, t.stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.stdout, t.stderr = nil, nil
	return first
}
