package pipeline

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"objforge/internal/cgerr"
	"objforge/internal/hello"
	"objforge/internal/target"
	"objforge/internal/trace"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) forTarget(triple string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Target == triple {
			out = append(out, e)
		}
	}
	return out
}

func TestEmitKeepsTargetOrder(t *testing.T) {
	triples := []string{"aarch64-linux-gnu", "x86_64-linux-gnu", "aarch64-unknown-linux-gnu", "x86_64-unknown-freebsd"}
	results, err := Emit(context.Background(), &Request{Targets: triples, Jobs: 2})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(results) != len(triples) {
		t.Fatalf("%d results, want %d", len(results), len(triples))
	}
	machines := []elf.Machine{elf.EM_AARCH64, elf.EM_X86_64, elf.EM_AARCH64, elf.EM_X86_64}
	for i, r := range results {
		if r.Target != triples[i] {
			t.Errorf("result %d is %q, want %q", i, r.Target, triples[i])
		}
		if r.Err != nil {
			t.Errorf("%s: %v", r.Target, r.Err)
			continue
		}
		ef, err := elf.NewFile(bytes.NewReader(r.Object))
		if err != nil {
			t.Fatalf("%s: debug/elf: %v", r.Target, err)
		}
		if ef.Machine != machines[i] {
			t.Errorf("%s: machine %v, want %v", r.Target, ef.Machine, machines[i])
		}
		for _, s := range Stages {
			if !r.Timings.Has(s) {
				t.Errorf("%s: no timing for %s", r.Target, s)
			}
		}
	}
	// Equal targets give equal bytes regardless of scheduling.
	if !bytes.Equal(results[0].Object, results[2].Object) {
		t.Errorf("aarch64 objects differ between runs")
	}
}

func TestEmitReportsFailingTarget(t *testing.T) {
	rec := &recorder{}
	results, err := Emit(context.Background(), &Request{
		Targets:  []string{"x86_64-linux-gnu", "sparc-linux-gnu"},
		Progress: rec,
	})
	if !errors.Is(err, cgerr.ErrUnsupportedHost) {
		t.Fatalf("err = %v, want UnsupportedHost", err)
	}
	if !strings.Contains(err.Error(), "sparc-linux-gnu") {
		t.Errorf("error does not name the target: %v", err)
	}
	if results[0].Err != nil || len(results[0].Object) == 0 {
		t.Errorf("x86_64 result = %+v", results[0])
	}
	if results[1].Err == nil || results[1].Object != nil {
		t.Errorf("sparc result = %+v", results[1])
	}

	events := rec.forTarget("sparc-linux-gnu")
	last := events[len(events)-1]
	if last.Stage != StageResolve || last.Status != StatusError || last.Err == nil {
		t.Errorf("last sparc event = %+v", last)
	}
}

func TestProgressEvents(t *testing.T) {
	rec := &recorder{}
	if _, err := Emit(context.Background(), &Request{Targets: []string{"x86_64-linux-gnu"}, Progress: rec}); err != nil {
		t.Fatal(err)
	}
	type step struct {
		stage  Stage
		status Status
	}
	want := []step{{StageResolve, StatusQueued}}
	for _, s := range Stages {
		want = append(want, step{s, StatusWorking}, step{s, StatusDone})
	}
	got := rec.forTarget("x86_64-linux-gnu")
	if len(got) != len(want) {
		t.Fatalf("%d events, want %d: %+v", len(got), len(want), got)
	}
	for i, e := range got {
		if e.Stage != want[i].stage || e.Status != want[i].status {
			t.Errorf("event %d = %s/%s, want %s/%s", i, e.Stage, e.Status, want[i].stage, want[i].status)
		}
	}
}

func TestEmitWritesFiles(t *testing.T) {
	dir := t.TempDir()
	results, err := Emit(context.Background(), &Request{
		Targets: []string{"x86_64-linux-gnu", "aarch64-linux-gnu"},
		Name:    "greet",
		OutDir:  dir,
		Program: hello.Options{Message: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		want := filepath.Join(dir, "greet-"+r.Config.Arch.String()+"-linux.o")
		if r.Path != want {
			t.Errorf("path = %q, want %q", r.Path, want)
		}
		raw, err := os.ReadFile(r.Path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(raw, r.Object) || !bytes.Contains(raw, []byte("hi\x00")) {
			t.Errorf("%s: file does not match the emitted object", r.Path)
		}
	}
}

func TestObjectPath(t *testing.T) {
	cfg, err := target.ResolveTriple("aarch64-linux-gnu", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := ObjectPath("out", "hello", cfg, false); got != filepath.Join("out", "hello.o") {
		t.Errorf("single = %q", got)
	}
	if got := ObjectPath("out", "hello", cfg, true); got != filepath.Join("out", "hello-aarch64-linux.o") {
		t.Errorf("multi = %q", got)
	}
}

func TestEmitSameArchDifferentOS(t *testing.T) {
	dir := t.TempDir()
	results, err := Emit(context.Background(), &Request{
		Targets: []string{"x86_64-linux-gnu", "x86_64-unknown-freebsd"},
		OutDir:  dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Path == results[1].Path {
		t.Fatalf("both targets wrote %s", results[0].Path)
	}
	abis := []elf.OSABI{elf.ELFOSABI_NONE, elf.ELFOSABI_FREEBSD}
	for i, r := range results {
		ef, err := elf.Open(r.Path)
		if err != nil {
			t.Fatalf("%s: %v", r.Path, err)
		}
		if ef.OSABI != abis[i] {
			t.Errorf("%s: OSABI %v, want %v", r.Path, ef.OSABI, abis[i])
		}
		ef.Close()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("%d files in the output directory, want 2", len(entries))
	}
}

func TestEmitRejectsCollidingOutputs(t *testing.T) {
	rec := &recorder{}
	dir := t.TempDir()
	_, err := Emit(context.Background(), &Request{
		Targets:  []string{"aarch64-linux-gnu", "x86_64-linux-gnu", "arm64-linux"},
		OutDir:   dir,
		Progress: rec,
	})
	if err == nil || !strings.Contains(err.Error(), "would both write") {
		t.Fatalf("err = %v, want a colliding output error", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("%d files written before the collision was reported", len(entries))
	}
	if len(rec.forTarget("x86_64-linux-gnu")) != 0 {
		t.Error("targets were queued for a rejected request")
	}

	// Without an output directory nothing is written, so repeats are built.
	results, err := Emit(context.Background(), &Request{Targets: []string{"arm64-linux", "aarch64-linux-gnu"}})
	if err != nil || len(results) != 2 {
		t.Fatalf("results = %d, err = %v", len(results), err)
	}
}

func TestEmitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Emit(ctx, &Request{Targets: []string{"x86_64-linux-gnu", "aarch64-linux-gnu"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, r := range results {
		if r.Object != nil {
			t.Errorf("%s produced an object after cancellation", r.Target)
		}
	}
}

func TestEmitTraces(t *testing.T) {
	ring := trace.NewRingTracer(256, trace.LevelDetail)
	ctx := trace.WithTracer(context.Background(), ring)
	if _, err := Emit(ctx, &Request{Targets: []string{"x86_64-linux-gnu"}}); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range ring.Snapshot() {
		if ev.Kind == trace.KindSpanEnd {
			seen[ev.Name] = true
		}
	}
	for _, name := range []string{"pipeline", "target:x86_64-linux-gnu", "resolve", "build", "compile", "emit", "finish"} {
		if !seen[name] {
			t.Errorf("no end event for %q", name)
		}
	}
}

func TestEmitNilRequest(t *testing.T) {
	if _, err := Emit(context.Background(), nil); err == nil {
		t.Fatal("expected an error")
	}
}
