package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/mongotail/transform"
)

// Stdout writes one JSON line per record.
type Stdout struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStdout writes to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: bufio.NewWriter(w)}
}

func (s *Stdout) Emit(_ context.Context, _ string, rec transform.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("stdout: marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(b)
	return s.w.WriteByte('\n')
}

func (s *Stdout) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *Stdout) Close() error { return s.Flush(context.Background()) }
