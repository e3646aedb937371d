package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"rawcapture/internal/config"
	"rawcapture/internal/keystroke"
)

func stateName(state int) string {
	switch state {
	case keystroke.WMKeyDown:
		return "down"
	case keystroke.WMKeyUp:
		return "up"
	case keystroke.WMSysKeyDown:
		return "sysdown"
	case keystroke.WMSysKeyUp:
		return "sysup"
	default:
		return fmt.Sprintf("0x%04x", state)
	}
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

func renderConfig(w io.Writer, cfg *config.Config) {
	t := newTable(w, "configuration")
	t.AppendHeader(table.Row{"Key", "Value"})

	flags := strings.Join(cfg.Capture.Flags, ", ")
	if parsed, err := cfg.CaptureFlags(); err == nil {
		flags = fmt.Sprintf("%s (0x%x)", flags, uint32(parsed))
	}

	t.AppendRows([]table.Row{
		{"version", cfg.Version},
		{"capture.flags", flags},
		{"capture.max_listeners", cfg.Capture.MaxListeners},
		{"capture.crash_dir", cfg.Capture.CrashDir},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"logging.level", cfg.Logging.Level},
		{"logging.format", cfg.Logging.Format},
		{"logging.output", cfg.Logging.Output},
		{"logging.file_path", cfg.Logging.FilePath},
		{"logging.redact_keys", cfg.Logging.RedactKeys},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"metrics.enabled", cfg.Metrics.Enabled},
		{"metrics.listen_addr", cfg.Metrics.ListenAddr},
		{"metrics.path", cfg.Metrics.Path},
	})
	t.Render()
}

func renderSummary(w io.Writer, s keystroke.SessionSummary, stats keystroke.Stats) {
	t := newTable(w, "session")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"duration", s.Duration.Round(time.Millisecond)},
		{"key downs", s.KeyDowns},
		{"key ups", s.KeyUps},
		{"distinct keys", s.DistinctKeys},
		{"bursts", s.Bursts},
		{"peak rate", fmt.Sprintf("%.1f keys/s", s.PeakRate)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"flags", stats.Config.Flags},
		{"events decoded", stats.EventsDecoded},
		{"listener calls", stats.ListenerCalls},
		{"events ignored", stats.EventsIgnored},
		{"events dropped", stats.EventsDropped},
		{"listener panics", stats.ListenerPanics},
	})
	t.Render()

	if len(s.TopKeys) == 0 {
		return
	}

	keys := newTable(w, "top keys")
	keys.AppendHeader(table.Row{"Key", "Presses"})
	for _, kc := range s.TopKeys {
		keys.AppendRow(table.Row{fmt.Sprintf("0x%02x", kc.KeyCode), kc.Count})
	}
	keys.Render()
}
