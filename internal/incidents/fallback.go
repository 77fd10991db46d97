package incidents

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FallbackLog is a local append-only JSONL file used when the database
// is unavailable. It is deliberately primitive: one line per entry,
// opened with O_APPEND so concurrent writers never interleave lines.
type FallbackLog struct {
	mu   sync.Mutex
	path string
}

func NewFallbackLog(path string) *FallbackLog {
	return &FallbackLog{path: path}
}

// Append writes the entry as a single JSON line, stamping it with the
// current time.
func (f *FallbackLog) Append(entry map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling fallback entry: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening fallback log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing fallback log: %w", err)
	}
	return nil
}
