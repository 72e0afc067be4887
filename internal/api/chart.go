package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleRunsChart renders the recent run history as a bar chart: one bar per
// run, height in seconds, colored by final status.
func (s *Server) handleRunsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		s.writeJSONError(w, http.StatusNotFound, "run persistence disabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	records, err := s.runs.ListRuns(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}

	// ListRuns is newest first; the chart reads left to right in time.
	x := make([]string, 0, len(records))
	y := make([]opts.BarData, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		label := rec.Experiment
		if rec.TargetLabel != "" {
			label = rec.TargetLabel + "/" + rec.Experiment
		}
		x = append(x, label)

		seconds := 0.0
		if rec.CompletedAt != nil {
			seconds = rec.CompletedAt.Sub(rec.StartedAt).Seconds()
		}
		color := "#9e9e9e"
		switch rec.Status {
		case "completed":
			color = "#35b779"
		case "error":
			color = "#ff5252"
		}
		y = append(y, opts.BarData{
			Value:     seconds,
			ItemStyle: &opts.ItemStyle{Color: color},
			Tooltip:   &opts.Tooltip{Show: opts.Bool(true)},
		})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Run History", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Experiment Runs",
			Subtitle: fmt.Sprintf("last %d runs as of %s", len(records), time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "duration (s)"}),
	)
	bar.SetXAxis(x).AddSeries("runs", y)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
