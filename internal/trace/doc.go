// Package trace records where objforge spends its time.
//
// Events form spans nested by parent ID. A span opened for the whole
// command contains one span per pipeline stage, which in turn contains
// module operations and per-function compilation:
//
//	span := trace.Begin(t, trace.ScopeStage, "compile", parent.ID())
//	defer span.End("")
//
// The level decides how deep recording goes: phase keeps driver and
// stage spans, detail adds module operations, debug adds every function.
// Tracers travel through the pipeline on a context.Context.
package trace
