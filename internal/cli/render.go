package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/batchmeter/internal/batch"
	"github.com/rshade/batchmeter/internal/checkpoint"
	"github.com/rshade/batchmeter/internal/cost"
	"github.com/rshade/batchmeter/internal/registry"
)

// Summary rendering constants.
const (
	summaryBoxWidth        = 60
	summaryBoxTitlePadding = 4
)

// isWriterTerminal reports whether w is an interactive terminal.
func isWriterTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}

// summaryTitleColor returns the title color for the summary box.
func summaryTitleColor() lipgloss.Color {
	return lipgloss.Color("33")
}

// summaryBorderColor returns the border color for the summary box.
func summaryBorderColor() lipgloss.Color {
	return lipgloss.Color("240")
}

// summaryFailColor returns the color used for failure counts and stop reasons.
func summaryFailColor() lipgloss.Color {
	return lipgloss.Color("196")
}

// summaryOKColor returns the color used for success counts.
func summaryOKColor() lipgloss.Color {
	return lipgloss.Color("40")
}

// RenderRunSummary renders the end-of-run summary to the writer. Terminal
// output gets a styled box; piped output stays plain for log capture.
func RenderRunSummary(w io.Writer, summary *batch.Summary) error {
	if summary == nil {
		return nil
	}
	if isWriterTerminal(w) {
		return renderStyledRunSummary(w, summary)
	}
	return renderPlainRunSummary(w, summary)
}

func renderStyledRunSummary(w io.Writer, summary *batch.Summary) error {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(summaryTitleColor())

	borderStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(summaryBorderColor()).
		Padding(0, 1).
		Width(summaryBoxWidth)

	okStyle := lipgloss.NewStyle().Bold(true).Foreground(summaryOKColor())
	failStyle := lipgloss.NewStyle().Bold(true).Foreground(summaryFailColor())

	p := message.NewPrinter(language.English)
	var content strings.Builder

	content.WriteString(titleStyle.Render("BATCH SUMMARY"))
	content.WriteString("\n")
	content.WriteString(strings.Repeat("═", summaryBoxWidth-summaryBoxTitlePadding))
	content.WriteString("\n\n")

	content.WriteString(p.Sprintf("Batch:     %s\n", summary.BatchID))
	content.WriteString(p.Sprintf("Items:     %d total, %d processed\n", summary.TotalItems, summary.Processed))
	content.WriteString(p.Sprintf("Results:   %s  %s  %d skipped\n",
		okStyle.Render(p.Sprintf("%d ok", len(summary.Results.Success))),
		failStyle.Render(p.Sprintf("%d failed", len(summary.Results.Failed))),
		len(summary.Results.Skipped)))
	content.WriteString(renderElapsedLine(p, summary))
	content.WriteString(renderCostLine(p, summary.Cost))
	content.WriteString(renderFailureLines(summary))

	if summary.StopReason != "" {
		content.WriteString("\n")
		content.WriteString(failStyle.Render(p.Sprintf("Stopped early: %s", stopReasonLabel(summary.StopReason))))
		content.WriteString("\n")
	}

	content.WriteString("\n")
	content.WriteString(renderArtifactLines(summary))

	box := borderStyle.Render(content.String())
	_, err := fmt.Fprintln(w, box)
	return err
}

func renderPlainRunSummary(w io.Writer, summary *batch.Summary) error {
	p := message.NewPrinter(language.English)

	if _, err := fmt.Fprintln(w, "BATCH SUMMARY"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "============="); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "Batch:     %s\n", summary.BatchID); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "Items:     %d total, %d processed\n", summary.TotalItems, summary.Processed); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "Results:   %d ok, %d failed, %d skipped\n",
		len(summary.Results.Success), len(summary.Results.Failed), len(summary.Results.Skipped)); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, renderElapsedLine(p, summary)); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, renderCostLine(p, summary.Cost)); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, renderFailureLines(summary)); err != nil {
		return err
	}
	if summary.StopReason != "" {
		if _, err := p.Fprintf(w, "Stopped early: %s\n", stopReasonLabel(summary.StopReason)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, renderArtifactLines(summary))
	return err
}

// renderCostLine formats the cost line, with budget context when a limit is
// configured and a per-kind breakdown when usage was recorded.
func renderCostLine(p *message.Printer, snap cost.Snapshot) string {
	var b strings.Builder

	if snap.BudgetLimit > 0 {
		b.WriteString(p.Sprintf("Cost:      $%.2f of $%.2f budget (%.1f%%)\n",
			snap.Total, snap.BudgetLimit, snap.BudgetUsedPercent()))
	} else {
		b.WriteString(p.Sprintf("Cost:      $%.2f\n", snap.Total))
	}

	for _, kind := range snap.SortedKinds() {
		totals := snap.Kinds[kind]
		b.WriteString(p.Sprintf("  %-12s %.0f units, $%.2f\n", kind+":", totals.Units, totals.Cost))
	}

	return b.String()
}

func renderArtifactLines(summary *batch.Summary) string {
	var b strings.Builder
	if summary.CheckpointPath != "" {
		fmt.Fprintf(&b, "Checkpoint: %s\n", summary.CheckpointPath)
	}
	if summary.DailyLogPath != "" {
		fmt.Fprintf(&b, "Run log:    %s\n", summary.DailyLogPath)
	}
	if summary.StructuredLogPath != "" {
		fmt.Fprintf(&b, "Events:     %s\n", summary.StructuredLogPath)
	}
	return b.String()
}

// maxFailuresShown bounds the failed-item list in the summary.
const maxFailuresShown = 3

// renderElapsedLine formats elapsed time with the per-item average when
// anything was processed.
func renderElapsedLine(p *message.Printer, summary *batch.Summary) string {
	if summary.Processed == 0 {
		return p.Sprintf("Elapsed:   %s\n", summary.Elapsed.Round(time.Second))
	}
	avg := summary.Elapsed / time.Duration(summary.Processed)
	return p.Sprintf("Elapsed:   %s (%s/item)\n",
		summary.Elapsed.Round(time.Second), avg.Round(time.Millisecond))
}

// renderFailureLines lists the first few failed items with their errors.
func renderFailureLines(summary *batch.Summary) string {
	failed := summary.Results.Failed
	if len(failed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Failures:\n")
	for i, item := range failed {
		if i == maxFailuresShown {
			fmt.Fprintf(&b, "  ... and %d more\n", len(failed)-maxFailuresShown)
			break
		}
		fmt.Fprintf(&b, "  - %s: %s\n", item.Identity, item.Error)
	}
	return b.String()
}

// stopReasonLabel maps a stop reason to its operator-facing label.
func stopReasonLabel(reason string) string {
	switch reason {
	case batch.StopReasonBudget:
		return "budget limit reached"
	case batch.StopReasonFatal:
		return "fatal job error"
	default:
		return reason
	}
}

// RenderStatus renders the latest checkpoint and registry stats.
func RenderStatus(w io.Writer, cp *checkpoint.Checkpoint, stats registry.Stats) error {
	p := message.NewPrinter(language.English)

	if _, err := fmt.Fprintln(w, "BATCH STATUS"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "============"); err != nil {
		return err
	}

	if cp == nil {
		if _, err := fmt.Fprintln(w, "No checkpoint found; no batch has run yet."); err != nil {
			return err
		}
	} else {
		if _, err := p.Fprintf(w, "Last batch:  %s\n", cp.BatchID); err != nil {
			return err
		}
		if _, err := p.Fprintf(w, "Saved at:    %s\n", cp.Timestamp.Format(time.RFC3339)); err != nil {
			return err
		}
		if _, err := p.Fprintf(w, "Reason:      %s\n", cp.Reason); err != nil {
			return err
		}
		if _, err := p.Fprintf(w, "Processed:   %d (%d ok, %d failed, %d skipped)\n",
			cp.ProcessedCount,
			len(cp.Results.Success), len(cp.Results.Failed), len(cp.Results.Skipped)); err != nil {
			return err
		}
		if _, err := p.Fprintf(w, "Total cost:  $%.2f\n", cp.TotalCost); err != nil {
			return err
		}
	}

	_, err := p.Fprintf(w, "\nRegistry:    %d items (%d succeeded, %d failed)\n",
		stats.Total, stats.Success, stats.Failed)
	return err
}
