package ui

import (
	"errors"
	"strings"
	"testing"

	"objforge/internal/pipeline"
)

func TestProgressModelTracksTargets(t *testing.T) {
	events := make(chan pipeline.Event)
	m := NewProgressModel("emit", []string{"x86_64-linux-gnu", "aarch64-linux-gnu", "x86_64-linux-gnu"}, events).(*progressModel)
	if len(m.items) != 2 {
		t.Fatalf("%d rows, want 2 (duplicates collapse)", len(m.items))
	}

	m.Update(eventMsg(pipeline.Event{Target: "x86_64-linux-gnu", Stage: pipeline.StageBuild, Status: pipeline.StatusWorking}))
	if got := m.items[0].status; got != "building" {
		t.Errorf("status = %q, want building", got)
	}
	m.Update(eventMsg(pipeline.Event{Target: "x86_64-linux-gnu", Stage: pipeline.StageEmit, Status: pipeline.StatusDone}))
	m.Update(eventMsg(pipeline.Event{Target: "aarch64-linux-gnu", Stage: pipeline.StageResolve, Status: pipeline.StatusError, Err: errors.New("bad flag")}))
	m.Update(eventMsg(pipeline.Event{Target: "unknown", Stage: pipeline.StageBuild, Status: pipeline.StatusWorking}))

	if got := m.percent(); got != 1.0 {
		t.Errorf("percent = %v, want 1", got)
	}
	m.Update(doneMsg{})
	view := m.View()
	for _, want := range []string{"done: emit", "x86_64-linux-gnu", "aarch64-linux-gnu", "bad flag"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestPartialProgress(t *testing.T) {
	m := NewProgressModel("emit", []string{"a", "b"}, nil).(*progressModel)
	m.applyEvent(pipeline.Event{Target: "a", Stage: pipeline.StageCompile, Status: pipeline.StatusWorking})
	if got, want := m.percent(), 0.35; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("percent = %v, want %v", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdef", 2, "ab"},
		{"日本語テキスト", 7, "日本..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
