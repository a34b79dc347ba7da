// Package dump implements the request/response dump-on-error debugging
// aid: when a request fails, the raw request body and whatever response
// (or error) came back are written to server.dumps_dir for offline
// inspection. Gated entirely by configuration — if dumps_dir is empty,
// every operation here is a no-op. Grounded on the teacher's use of
// google/uuid for content-addressed filenames (domain/agent.Spawner,
// infrastructure/tool.MemoryTool).
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Writer writes dump files under a directory. A zero-value Writer (empty
// dir) is a valid no-op writer.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// New creates a Writer rooted at dir. If clearOnStart is set and dir is
// non-empty, any pre-existing dump files are removed at startup so a
// fresh run doesn't mix dumps with a prior one.
func New(dir string, clearOnStart bool, logger *zap.Logger) (*Writer, error) {
	w := &Writer{dir: dir, logger: logger.With(zap.String("component", "dump-writer"))}
	if dir == "" {
		return w, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dumps dir %s: %w", dir, err)
	}

	if clearOnStart {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read dumps dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				w.logger.Warn("Failed to clear stale dump file",
					zap.String("name", e.Name()), zap.Error(err))
			}
		}
	}

	return w, nil
}

// Enabled reports whether this Writer actually writes anything.
func (w *Writer) Enabled() bool {
	return w.dir != ""
}

// WriteFailedRequest persists the raw request body and the failure detail
// for one request that ended in an error, named by a fresh UUID so
// concurrent failures never collide. No-op if dumps are disabled.
func (w *Writer) WriteFailedRequest(path string, model string, requestBody []byte, failure error) {
	if w.dir == "" {
		return
	}

	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s.txt", time.Now().UTC().Format("20060102T150405Z"), id)
	full := filepath.Join(w.dir, name)

	content := fmt.Sprintf("path: %s\nmodel: %s\nerror: %v\n\n--- request body ---\n%s\n", path, model, failure, requestBody)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		w.logger.Warn("Failed to write request dump", zap.String("file", full), zap.Error(err))
		return
	}
	w.logger.Info("Wrote failed-request dump", zap.String("file", full))
}
