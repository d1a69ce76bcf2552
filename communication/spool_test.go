package communication

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/justSteve/claude-flow/core"
)

func TestSpoolReplaysExistingAndPicksUpAppends(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "tasks.jsonl")
	if err := os.WriteFile(spool, []byte(`{"payload":{"n":1},"required":["build"]}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed spool: %v", err)
	}

	tasks := make(chan core.Task, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- WatchTaskSpool(ctx, spool, func(task core.Task) { tasks <- task })
	}()

	// Existing content replays first.
	select {
	case task := <-tasks:
		if len(task.Required) != 1 || task.Required[0] != "build" {
			t.Fatalf("replayed task required %v", task.Required)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("existing spool line not replayed")
	}

	// Appends are picked up.
	f, err := os.OpenFile(spool, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	if _, err := f.WriteString(`{"id":"task-2","payload":{"n":2}}` + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	select {
	case task := <-tasks:
		if task.ID != "task-2" {
			t.Fatalf("appended task id %q", task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("appended spool line not delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("watcher exit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestSpoolSkipsMalformedLines(t *testing.T) {
	var got []core.Task
	submit := func(task core.Task) { got = append(got, task) }

	processSpoolLine("not json", submit)
	processSpoolLine("", submit)
	processSpoolLine(`{"payload":"ok"}`, submit)

	if len(got) != 1 {
		t.Fatalf("submitted %d tasks, want 1", len(got))
	}
	if string(got[0].Payload) != `"ok"` {
		t.Fatalf("payload %s", got[0].Payload)
	}
}

func TestSubjectNaming(t *testing.T) {
	if s := Subject("grp-1", KindTasks); s != "swarm.grp-1.tasks" {
		t.Fatalf("subject %q", s)
	}
}
