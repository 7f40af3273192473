package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FileDiagnostics resolves the best available diagnostics for a file, in
// priority order: the push cache, a pull request, an idle-wait on the push
// cache, a forced re-evaluation followed by one more idle-wait, and finally
// an empty list. It never blocks past the configured maximum wait per phase.
func (e *Engine) FileDiagnostics(ctx context.Context, path string) ([]Diagnostic, error) {
	sess, err := e.OpenFromDisk(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.collectDiagnostics(ctx, sess, path), nil
}

// collectDiagnostics runs the fallback sequence against one session.
func (e *Engine) collectDiagnostics(ctx context.Context, sess *Session, path string) []Diagnostic {
	// 1. Push cache.
	if diags, ok := sess.CachedDiagnostics(path); ok {
		return normalizeDiagnostics(diags)
	}

	// 2. Pull, where the server supports it.
	if diags, ok := e.pullDiagnostics(ctx, sess, path); ok {
		return normalizeDiagnostics(diags)
	}

	// 3. Idle-wait for asynchronous publishing to settle.
	if diags, ok := e.idleWait(ctx, sess, path); ok {
		return normalizeDiagnostics(diags)
	}

	// 4. Force re-evaluation with two no-op edits, then wait once more.
	if err := sess.nudge(ctx, path); err != nil {
		e.logger.Debug("diagnostic nudge failed", zap.String("path", path), zap.Error(err))
	} else if diags, ok := e.idleWait(ctx, sess, path); ok {
		return normalizeDiagnostics(diags)
	}

	// 5. Empty rather than blocking indefinitely.
	return []Diagnostic{}
}

// pullDiagnostics issues textDocument/diagnostic and interprets the report.
// Accepted shapes: a full report's item list, an unchanged report (empty),
// and a bare diagnostic array. Anything else falls through.
func (e *Engine) pullDiagnostics(ctx context.Context, sess *Session, path string) ([]Diagnostic, bool) {
	if !sess.Capabilities().SupportsPullDiagnostics() {
		return nil, false
	}

	var raw json.RawMessage
	err := sess.call(ctx, "textDocument/diagnostic", DocumentDiagnosticParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
	}, &raw)
	if err != nil {
		e.logger.Debug("diagnostic pull failed", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}

	var report struct {
		Kind  string       `json:"kind"`
		Items []Diagnostic `json:"items"`
	}
	if err := json.Unmarshal(raw, &report); err == nil && report.Kind != "" {
		switch report.Kind {
		case "full":
			return report.Items, true
		case "unchanged":
			return []Diagnostic{}, true
		default:
			return nil, false
		}
	}

	var bare []Diagnostic
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, true
	}
	return nil, false
}

// idleWait polls the push cache's last-update timestamp until either the
// maximum wait elapses or the timestamp stops advancing for a quiet window,
// then re-checks the cache.
func (e *Engine) idleWait(ctx context.Context, sess *Session, path string) ([]Diagnostic, bool) {
	deadline := time.Now().Add(e.cfg.DiagnosticMaxWait)
	last := sess.LastDiagnosticsUpdate(path)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(e.cfg.DiagnosticPoll):
		}

		current := sess.LastDiagnosticsUpdate(path)
		if current.After(last) {
			last = current
			continue
		}
		if !last.IsZero() && time.Since(last) >= e.cfg.QuietWindow {
			break
		}
	}

	return sess.CachedDiagnostics(path)
}

// normalizeDiagnostics guarantees an array, never nil.
func normalizeDiagnostics(diags []Diagnostic) []Diagnostic {
	if diags == nil {
		return []Diagnostic{}
	}
	return diags
}

// FilterBySeverity keeps diagnostics at or above the given severity
// (error is the most severe, hint the least).
func FilterBySeverity(diags []Diagnostic, max DiagnosticSeverity) []Diagnostic {
	out := make([]Diagnostic, 0, len(diags))
	for _, d := range diags {
		sev := d.Severity
		if sev == 0 {
			sev = SeverityError
		}
		if sev <= max {
			out = append(out, d)
		}
	}
	return out
}

// DiagnosticsAtPosition returns the diagnostics whose range contains pos.
func DiagnosticsAtPosition(diags []Diagnostic, pos Position) []Diagnostic {
	out := make([]Diagnostic, 0)
	for _, d := range diags {
		if positionInRange(pos, d.Range) {
			out = append(out, d)
		}
	}
	return out
}

// DiagnosticBuckets groups diagnostics by severity.
type DiagnosticBuckets struct {
	Errors   []Diagnostic
	Warnings []Diagnostic
	Info     []Diagnostic
	Hints    []Diagnostic
}

// Categorize sorts diagnostics into severity buckets. Unrecognized
// severities count as errors, the conservative default.
func Categorize(diags []Diagnostic) DiagnosticBuckets {
	var b DiagnosticBuckets
	for _, d := range diags {
		switch d.Severity {
		case SeverityWarning:
			b.Warnings = append(b.Warnings, d)
		case SeverityInformation:
			b.Info = append(b.Info, d)
		case SeverityHint:
			b.Hints = append(b.Hints, d)
		default:
			b.Errors = append(b.Errors, d)
		}
	}
	return b
}

// Counts returns the bucket sizes as (errors, warnings, info, hints).
func (b DiagnosticBuckets) Counts() (int, int, int, int) {
	return len(b.Errors), len(b.Warnings), len(b.Info), len(b.Hints)
}

// FormatDiagnostic renders a diagnostic as "line:col severity: message
// [source]" with one-based coordinates.
func FormatDiagnostic(d Diagnostic) string {
	sev := d.Severity
	if sev == 0 {
		sev = SeverityError
	}
	s := fmt.Sprintf("%d:%d %s: %s", d.Range.Start.Line+1, d.Range.Start.Character+1, sev, d.Message)
	if d.Source != "" {
		s += " [" + d.Source + "]"
	}
	return s
}
