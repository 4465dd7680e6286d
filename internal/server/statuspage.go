package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"git.home.luguber.info/inful/buildbot/internal/history"
	"git.home.luguber.info/inful/buildbot/internal/logfields"
)

const statusPageShell = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="15">
<title>buildbot</title>
<style>
body { font-family: sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
code { background: #f4f4f4; padding: 0 0.2rem; }
</style>
</head>
<body>
%s
</body>
</html>`

// handleStatusPage renders the status page. The summary is composed as
// Markdown and converted to HTML, the same report that operators get
// over chat.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	md := s.statusMarkdown(r)

	// Tables need the GFM extension; plain CommonMark has none.
	renderer := goldmark.New(goldmark.WithExtensions(extension.GFM))

	var buf bytes.Buffer
	if err := renderer.Convert([]byte(md), &buf); err != nil {
		slog.Error("Failed to render status page", logfields.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, statusPageShell, buf.String())
}

// statusMarkdown composes the status report in Markdown.
func (s *Server) statusMarkdown(r *http.Request) string {
	st := s.controller.BuildStatus()

	var b strings.Builder
	b.WriteString("# buildbot\n\n")

	if st.CurrentTask != nil {
		b.WriteString("## Current build\n\n")
		fmt.Fprintf(&b, "Building `%s` (%s), task `%s`", st.CurrentTask.Branch, st.CurrentTask.Strategy, st.CurrentTask.TaskID)
		if st.CurrentTask.StartedAt != nil {
			fmt.Fprintf(&b, ", running for %s", history.FormatDuration(time.Since(*st.CurrentTask.StartedAt)))
			s.appendEstimate(r, &b, st.CurrentTask.Branch, st.CurrentTask.Strategy)
		}
		b.WriteString(".\n\n")
	} else if st.IsProcessing {
		b.WriteString("## Current build\n\nA build is being prepared.\n\n")
	} else {
		b.WriteString("## Current build\n\nIdle.\n\n")
	}

	fmt.Fprintf(&b, "## Queue\n\n%d task(s) queued, %d enqueued and %d dequeued since start.\n\n",
		st.Queue.TotalSize, st.Queue.TotalEnqueued, st.Queue.TotalDequeued)

	s.appendHistory(r, &b)

	if st.Analyzer != "" {
		fmt.Fprintf(&b, "Failure analysis: `%s`.\n\n", st.Analyzer)
	}
	fmt.Fprintf(&b, "Artifacts are served under [/downloads/](/downloads/). Uptime %s.\n",
		history.FormatDuration(time.Since(s.startTime)))
	return b.String()
}

func (s *Server) appendEstimate(r *http.Request, b *strings.Builder, branch, strategy string) {
	if s.history == nil {
		return
	}
	key := branch + "-" + strategy
	if est, ok, err := s.history.EstimatedDuration(r.Context(), key); err == nil && ok {
		fmt.Fprintf(b, " (typically %s)", history.FormatDuration(est))
	}
}

func (s *Server) appendHistory(r *http.Request, b *strings.Builder) {
	if s.history == nil {
		return
	}
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		slog.Warn("History unavailable for status page", logfields.Error(err))
		return
	}
	if len(stats) == 0 {
		return
	}

	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	b.WriteString("## Build history\n\n")
	b.WriteString("| Build | Builds | Average | Latest | Trend | Success |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, key := range keys {
		ks := stats[key]
		fmt.Fprintf(b, "| `%s` | %d | %s | %s | %s | %.0f%% |\n",
			key, ks.Count,
			history.FormatDuration(ks.Average),
			history.FormatDuration(ks.Latest),
			ks.Trend, ks.SuccessRate*100)
	}
	b.WriteString("\n")
}
