package node

import (
	"context"

	"go.uber.org/zap"

	"harmlab/internal/core/ports"
)

// Diagnostic is the outcome of a best-effort operation: what ran, what came
// back, and whether it worked. It is a record, not an error.
type Diagnostic struct {
	Node     string
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

// Ok reports whether the operation both ran and exited zero.
func (d Diagnostic) Ok() bool {
	return d.Err == nil && d.ExitCode == 0
}

// BestEffort always attempts the command and reports the outcome without
// ever escalating failure. Cleanup steps (process kills, qdisc teardown) run
// through here: "no such process" must not abort a drain.
func BestEffort(ctx context.Context, n ports.Node, cmd string, log *zap.SugaredLogger) Diagnostic {
	res, err := n.Execute(ctx, cmd)
	d := Diagnostic{
		Node:     n.Name(),
		Cmd:      cmd,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Err:      err,
	}
	if !d.Ok() {
		log.Debugw("best-effort command did not succeed",
			"node", d.Node,
			"cmd", d.Cmd,
			"exit_code", d.ExitCode,
			"error", d.Err,
		)
	}
	return d
}
