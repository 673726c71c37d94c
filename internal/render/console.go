package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"cfspeed/internal/backend"
	"cfspeed/internal/stats"
	"cfspeed/internal/telemetry"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
)

type styles struct {
	label  lipgloss.Style
	value  lipgloss.Style
	info   lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
	status map[backend.Status]lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		label: r.NewStyle().Faint(true),
		value: r.NewStyle().Bold(true),
		info:  r.NewStyle().Foreground(lipgloss.Color("#04B575")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		err:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		status: map[backend.Status]lipgloss.Style{
			backend.StatusCompleted: r.NewStyle().Foreground(lipgloss.Color("#04B575")),
			backend.StatusTesting:   r.NewStyle().Foreground(lipgloss.Color("39")),
			backend.StatusLowSpeed:  r.NewStyle().Foreground(lipgloss.Color("214")),
			backend.StatusErrored:   r.NewStyle().Foreground(lipgloss.Color("196")),
			backend.StatusPending:   r.NewStyle().Faint(true),
		},
	}
}

// Console renders a live test as terminal text: a status line whenever the
// display changes, notices as they come, and the results table plus a
// speed sparkline on Flush.
type Console struct {
	w  io.Writer
	st styles

	mu       sync.Mutex
	lastLine string
	results  []backend.ResultRecord
	chart    []telemetry.ChartPoint
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, st: newStyles(w)}
}

func (c *Console) Results(rs []backend.ResultRecord) {
	c.mu.Lock()
	c.results = rs
	c.mu.Unlock()
}

func (c *Console) Chart(points []telemetry.ChartPoint) {
	c.mu.Lock()
	c.chart = points
	c.mu.Unlock()
}

func (c *Console) Display(d stats.Display) {
	line := c.statusLine(d)

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.lastLine {
		return
	}
	c.lastLine = line
	fmt.Fprintln(c.w, line)
}

func (c *Console) Notice(n Notice) {
	var tag string
	switch n.Level {
	case LevelError:
		tag = c.st.err.Render("ERROR")
	case LevelWarn:
		tag = c.st.warn.Render("WARN ")
	default:
		tag = c.st.info.Render("INFO ")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s %s\n", tag, n.Message)
}

func (c *Console) statusLine(d stats.Display) string {
	kv := func(k, v string) string {
		return c.st.label.Render(k+" ") + c.st.value.Render(v)
	}
	parts := []string{
		kv("progress", d.Progress),
		kv("avg", d.AvgSpeed),
		kv("current", d.CurrentSpeed),
		kv("probed", fmt.Sprint(d.TotalProbed)),
	}
	if d.SampleCount > 0 || d.SmoothedMbps > 0 {
		parts = append(parts, kv("smoothed", d.SmoothedSpeed), kv("errors", fmt.Sprint(d.TotalErrors)))
	}
	if d.Status != "" {
		parts = append(parts, d.Status)
	}
	return strings.Join(parts, "  ")
}

// Flush writes the last results table and the speed sparkline.
func (c *Console) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.chart) > 0 {
		fmt.Fprintf(c.w, "%s %s\n", c.st.label.Render("speed"), Sparkline(c.chart))
	}
	return WriteResults(c.w, c.results)
}

// WriteResults renders records as a table.
func WriteResults(w io.Writer, rs []backend.ResultRecord) error {
	st := newStyles(w)
	if len(rs) == 0 {
		_, err := fmt.Fprintln(w, st.label.Render("no results"))
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Address", "Status", "Latency", "Speed", "Peak", "Datacenter")
	for _, r := range rs {
		_ = table.Append(
			r.Address,
			st.status[r.Status].Render(r.Status.String()),
			optional(r.LatencyMs, "%.0f ms"),
			optional(r.SpeedMbps, "%.2f Mbps"),
			stats.FormatMbps(backend.Some(r.PeakSpeedMbps)),
			dash(r.Datacenter),
		)
	}
	return table.Render()
}

// WriteDatacenters renders the datacenter listing with the active filter.
func WriteDatacenters(w io.Writer, list backend.DatacenterList) error {
	selected := make(map[string]bool, len(list.Selected))
	for _, code := range list.Selected {
		selected[strings.ToUpper(code)] = true
	}
	table := tablewriter.NewWriter(w)
	table.Header("Code", "Location", "Region", "Selected")
	for _, dc := range list.Datacenters {
		mark := ""
		if list.FilterMode == "all" || selected[dc.Code] {
			mark = "yes"
		}
		_ = table.Append(dc.Code, dash(dc.Location), dash(dc.Region), mark)
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d datacenters, filter mode %q\n", len(list.Datacenters), list.FilterMode)
	return err
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders chart points oldest first, scaled to the max speed.
func Sparkline(points []telemetry.ChartPoint) string {
	if len(points) == 0 {
		return ""
	}
	peak := 0.0
	for _, p := range points {
		peak = max(peak, p.SpeedMbps)
	}
	var b strings.Builder
	for _, p := range points {
		i := 0
		if peak > 0 {
			i = int(p.SpeedMbps / peak * float64(len(sparkBlocks)-1))
		}
		b.WriteRune(sparkBlocks[min(max(i, 0), len(sparkBlocks)-1)])
	}
	fmt.Fprintf(&b, " %.2f Mbps", points[len(points)-1].SpeedMbps)
	return b.String()
}

func optional(v backend.Optional[float64], format string) string {
	f, ok := v.Get()
	if !ok {
		return "-"
	}
	return fmt.Sprintf(format, f)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
