package communication

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/justSteve/claude-flow/core"
)

// spoolLine is one task submission: a JSON object per line.
type spoolLine struct {
	ID       string          `json:"id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Required []string        `json:"required,omitempty"`
}

// WatchTaskSpool tails a local submissions file and hands each parsed line to
// submit. Existing content is replayed first, then appends are picked up as
// they are written. Blocks until the context is cancelled.
func WatchTaskSpool(ctx context.Context, filename string, submit func(core.Task)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	defer watcher.Close()

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		file, err := os.Create(filename)
		if err != nil {
			return fmt.Errorf("create spool file %s: %w", filename, err)
		}
		file.Close()
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read spool file %s: %w", filename, err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		processSpoolLine(line, submit)
	}
	lastSize := len(content)

	if err := watcher.Add(filename); err != nil {
		return fmt.Errorf("watch spool file %s: %w", filename, err)
	}
	log.Printf("Started watching task spool: %s", filename)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			content, err := os.ReadFile(filename)
			if err != nil {
				log.Printf("Error reading spool after change: %v", err)
				continue
			}
			if len(content) < lastSize {
				// Truncated or rotated: replay from the start.
				lastSize = 0
			}
			for _, line := range strings.Split(string(content[lastSize:]), "\n") {
				processSpoolLine(line, submit)
			}
			lastSize = len(content)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Spool watcher error: %v", err)
		}
	}
}

func processSpoolLine(line string, submit func(core.Task)) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var parsed spoolLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		log.Printf("Spool line did not parse as a task submission: %v", err)
		return
	}
	submit(core.Task{
		ID:       parsed.ID,
		Payload:  parsed.Payload,
		Required: parsed.Required,
	})
}
