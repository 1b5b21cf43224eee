// Package pipeline produces the hello program's object for one or more
// targets. Targets run concurrently; each owns its module exclusively.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"objforge/internal/hello"
	"objforge/internal/module"
	"objforge/internal/target"
	"objforge/internal/trace"
)

// Request configures a multi-target emission.
type Request struct {
	// Targets are target triples. Empty means the host.
	Targets []string
	// Overrides are codegen flag assignments applied to every target.
	Overrides map[string]string
	Program   hello.Options
	// Name is the object's file symbol and the output file stem.
	Name string
	// OutDir, when set, receives one object file per target.
	OutDir string
	// Jobs caps concurrent targets. Zero means GOMAXPROCS.
	Jobs     int
	Progress ProgressSink
}

// Result is the outcome for one requested target.
type Result struct {
	Target  string
	Config  target.Config
	Object  []byte
	Path    string
	Timings Timings
	Err     error
}

// Emit runs every target through resolve, build, compile and emit. Results
// follow the order of req.Targets. The returned error joins the per-target
// failures; a cancelled context stops targets that have not started.
func Emit(ctx context.Context, req *Request) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return nil, fmt.Errorf("missing emit request")
	}
	targets := req.Targets
	if len(targets) == 0 {
		host, err := hostTriple()
		if err != nil {
			return nil, err
		}
		targets = []string{host}
	}
	name := req.Name
	if name == "" {
		name = "hello"
	}
	if req.OutDir != "" {
		if err := checkOutputPaths(req, name, targets); err != nil {
			return nil, err
		}
	}

	tracer := trace.FromContext(ctx)
	span := trace.Begin(tracer, trace.ScopeStage, "pipeline", trace.ParentFromContext(ctx))
	defer span.End("")
	span.WithExtra("targets", fmt.Sprint(len(targets)))

	for _, t := range targets {
		emitEvent(req.Progress, Event{Target: t, Stage: StageResolve, Status: StatusQueued})
	}

	jobs := req.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(targets)))
	for i, triple := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Target: triple, Err: err}
				emitEvent(req.Progress, Event{Target: triple, Stage: StageResolve, Status: StatusError, Err: err})
				return err
			}
			r := &runner{
				req:    req,
				name:   name,
				multi:  len(targets) > 1,
				tracer: tracer,
				parent: span.ID(),
			}
			results[i] = r.run(triple)
			return nil
		})
	}
	waitErr := g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Target, r.Err))
		}
	}
	if len(errs) == 0 && waitErr != nil {
		errs = append(errs, waitErr)
	}
	return results, errors.Join(errs...)
}

func hostTriple() (string, error) {
	cfg, err := target.Resolve(target.Host(), nil)
	if err != nil {
		return "", err
	}
	return cfg.Triple, nil
}

type runner struct {
	req    *Request
	name   string
	multi  bool
	tracer trace.Tracer
	parent uint64

	res Result
}

// stage runs fn as one stage of the current target, reporting progress
// and recording its duration.
func (r *runner) stage(stage Stage, parent uint64, fn func() error) error {
	emitEvent(r.req.Progress, Event{Target: r.res.Target, Stage: stage, Status: StatusWorking})
	span := trace.Begin(r.tracer, trace.ScopeStage, string(stage), parent)
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	r.res.Timings.Set(stage, elapsed)
	if err != nil {
		span.End(err.Error())
		emitEvent(r.req.Progress, Event{Target: r.res.Target, Stage: stage, Status: StatusError, Err: err, Elapsed: elapsed})
		return err
	}
	span.End("")
	emitEvent(r.req.Progress, Event{Target: r.res.Target, Stage: stage, Status: StatusDone, Elapsed: elapsed})
	return nil
}

func (r *runner) run(triple string) Result {
	r.res = Result{Target: triple}
	span := trace.Begin(r.tracer, trace.ScopeStage, "target:"+triple, r.parent)
	defer span.End("")

	var (
		m    *module.Module
		prod *module.Product
	)
	steps := []struct {
		stage Stage
		fn    func() error
	}{
		{StageResolve, func() error {
			cfg, err := target.ResolveTriple(triple, r.req.Overrides)
			if err != nil {
				return err
			}
			r.res.Config = cfg
			m, err = module.New(cfg, module.Options{Name: r.name, Tracer: r.tracer, TraceParent: span.ID()})
			return err
		}},
		{StageBuild, func() error {
			_, err := hello.Build(m, r.req.Program)
			return err
		}},
		{StageCompile, func() error {
			var err error
			prod, err = m.Finish()
			return err
		}},
		{StageEmit, func() error {
			raw, err := prod.Emit()
			if err != nil {
				return err
			}
			r.res.Object = raw
			if r.req.OutDir == "" {
				return nil
			}
			path := ObjectPath(r.req.OutDir, r.name, r.res.Config, r.multi)
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				return err
			}
			r.res.Path = path
			return nil
		}},
	}
	for _, s := range steps {
		if err := r.stage(s.stage, span.ID(), s.fn); err != nil {
			r.res.Err = fmt.Errorf("%s: %w", s.stage, err)
			span.WithExtra("failed", string(s.stage))
			return r.res
		}
	}
	span.WithExtra("bytes", fmt.Sprint(len(r.res.Object)))
	return r.res
}

// ObjectPath names the object file for cfg. With several targets the
// architecture and operating system are appended to the stem.
func ObjectPath(dir, name string, cfg target.Config, multi bool) string {
	if multi {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.o", name, cfg.Arch, cfg.OS))
	}
	return filepath.Join(dir, name+".o")
}

// checkOutputPaths rejects a request in which two targets would write the
// same object file, such as one triple given in two spellings. Targets that
// do not resolve are left for the resolve stage to report.
func checkOutputPaths(req *Request, name string, targets []string) error {
	seen := make(map[string]string, len(targets))
	for _, t := range targets {
		cfg, err := target.ResolveTriple(t, req.Overrides)
		if err != nil {
			continue
		}
		path := ObjectPath(req.OutDir, name, cfg, len(targets) > 1)
		if prev, ok := seen[path]; ok {
			return fmt.Errorf("targets %q and %q would both write %s", prev, t, path)
		}
		seen[path] = t
	}
	return nil
}

func emitEvent(sink ProgressSink, evt Event) {
	if sink == nil {
		return
	}
	sink.OnEvent(evt)
}
