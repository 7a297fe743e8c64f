package diag

import "tlog.app/go/tlog"

// TextSink reports every diagnostic through tlog, at a verbosity topic
// keyed by the diagnostic's pass name (so "-v=diag_regalloc" isolates one
// pass's diagnostics without silencing the rest).
type TextSink struct{}

func (TextSink) Report(d Diagnostic) {
	ev := tlog.V("diag_" + d.Pass)
	if d.HasLoc {
		ev.Printw("diagnostic", "severity", d.Severity.String(), "pass", d.Pass, "msg", d.Message, "func", d.Func, "block", d.Block, "inst", d.Inst)
		return
	}
	ev.Printw("diagnostic", "severity", d.Severity.String(), "pass", d.Pass, "msg", d.Message)
}
