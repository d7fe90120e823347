package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"

	"github.com/livefir/lvtclient/internal/metrics"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A80")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Label:   lipgloss.NewStyle().Width(18),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1),
}

var (
	minifier *minify.M
	once     sync.Once
)

// getMinifier returns a configured HTML minifier (singleton)
func getMinifier() *minify.M {
	once.Do(func() {
		minifier = minify.New()
		minifier.AddFunc("text/html", html.Minify)
	})
	return minifier
}

// minifyHTML collapses whitespace in rendered markup, returning the input
// unchanged when it cannot be minified
func minifyHTML(src string) string {
	out, err := getMinifier().String("text/html", src)
	if err != nil {
		return src
	}
	return out
}

// Summary is the machine readable result of a session
type Summary struct {
	Name     string                `json:"name,omitempty"`
	Steps    int                   `json:"steps"`
	Checks   int                   `json:"checks"`
	Failures []Failure             `json:"failures"`
	Desyncs  []string              `json:"desyncs"`
	Scopes   []string              `json:"scopes"`
	Metrics  metrics.EngineMetrics `json:"metrics"`
}

func writeSummary(w io.Writer, format string, s Summary) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	m := s.Metrics
	var b strings.Builder
	title := "Session"
	if s.Name != "" {
		title = s.Name
	}
	b.WriteString(styles.Title.Render(title))
	b.WriteString("\n")
	row := func(label string, value any) {
		fmt.Fprintf(&b, "%s%v\n", styles.Label.Render(label), value)
	}
	if s.Steps > 0 {
		row("steps", s.Steps)
	}
	row("diffs", m.DiffsReceived)
	row("patches", fmt.Sprintf("%d applied, %d buffered, %d replayed", m.PatchesApplied, m.PatchesBuffered, m.PatchesReplayed))
	row("mutations", m.DOMMutations)
	row("removals", fmt.Sprintf("%d deferred", m.DeferredRemovals))
	row("refs", fmt.Sprintf("%d minted, %d released, %d abandoned", m.RefsMinted, m.RefsReleased, m.RefsAbandoned))
	row("streams", fmt.Sprintf("+%d -%d (%d evicted)", m.StreamInserts, m.StreamDeletes, m.StreamEvictions))
	row("scopes", strings.Join(s.Scopes, " "))
	if len(s.Desyncs) > 0 {
		row("desyncs", styles.Error.Render(strings.Join(s.Desyncs, " ")))
	}

	if s.Checks > 0 {
		b.WriteString("\n")
		if len(s.Failures) == 0 {
			b.WriteString(styles.Success.Render(fmt.Sprintf("✓ %d expectations passed", s.Checks)))
		} else {
			b.WriteString(styles.Error.Render(fmt.Sprintf("✗ %d of %d expectations failed", len(s.Failures), s.Checks)))
			for _, f := range s.Failures {
				b.WriteString("\n  ")
				b.WriteString(styles.Muted.Render(f.String()))
			}
		}
	}

	_, err := fmt.Fprintln(w, styles.Box.Render(strings.TrimRight(b.String(), "\n")))
	return err
}
