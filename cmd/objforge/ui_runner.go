package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"objforge/internal/pipeline"
	"objforge/internal/ui"
)

// progressView is the --ui setting of emit.
type progressView int

const (
	progressAuto progressView = iota
	progressAlways
	progressNever
)

func parseProgressView(value string) (progressView, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return progressAuto, nil
	case "on", "always":
		return progressAlways, nil
	case "off", "never":
		return progressNever, nil
	}
	return progressAuto, fmt.Errorf("--ui takes auto, on or off, not %q", value)
}

func (v progressView) String() string {
	switch v {
	case progressAlways:
		return "on"
	case progressNever:
		return "off"
	default:
		return "auto"
	}
}

// enabled decides whether this run draws the progress view. An explicit
// --ui on wins over --quiet; auto needs a terminal and no --quiet.
func (v progressView) enabled(quiet, tty bool) bool {
	switch v {
	case progressAlways:
		return true
	case progressNever:
		return false
	default:
		return !quiet && tty
	}
}

type emitOutcome struct {
	results []pipeline.Result
	err     error
}

func runEmitWithUI(ctx context.Context, title string, req *pipeline.Request) ([]pipeline.Result, error) {
	if req == nil {
		return nil, fmt.Errorf("missing emit request")
	}
	events := make(chan pipeline.Event, 256)
	outcomeCh := make(chan emitOutcome, 1)

	go func() {
		reqCopy := *req
		reqCopy.Progress = pipeline.ChannelSink{Ch: events}
		res, err := pipeline.Emit(ctx, &reqCopy)
		outcomeCh <- emitOutcome{results: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, req.Targets, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.results, uiErr
	}
	return outcome.results, outcome.err
}
