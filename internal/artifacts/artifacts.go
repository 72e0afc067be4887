// Package artifacts writes persisted measurement traces to disk: a CSV of the
// raw trace and a PNG rendering of the trace with its fitted curve, suitable
// for after-the-fact inspection of an unattended run.
package artifacts

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Writer persists tagged traces under a base directory, one timestamped
// subdirectory per day.
type Writer struct {
	BaseDir string
}

// NewWriter creates a writer rooted at baseDir.
func NewWriter(baseDir string) *Writer {
	return &Writer{BaseDir: baseDir}
}

// dir returns (creating if needed) the dated output directory.
func (w *Writer) dir(now time.Time) (string, error) {
	d := filepath.Join(w.BaseDir, now.Format("20060102"))
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return d, nil
}

// WriteTrace writes tag.csv with columns x, y and optionally yerr.
func (w *Writer) WriteTrace(tag string, x, y, yerr []float64) (string, error) {
	if len(x) != len(y) {
		return "", fmt.Errorf("trace length mismatch: %d x vs %d y", len(x), len(y))
	}
	d, err := w.dir(time.Now())
	if err != nil {
		return "", err
	}
	path := filepath.Join(d, sanitize(tag)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create trace file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := []string{"x", "y"}
	if yerr != nil {
		header = append(header, "yerr")
	}
	if err := cw.Write(header); err != nil {
		return "", err
	}
	for i := range x {
		row := []string{formatFloat(x[i]), formatFloat(y[i])}
		if yerr != nil {
			row = append(row, formatFloat(yerr[i]))
		}
		if err := cw.Write(row); err != nil {
			return "", err
		}
	}
	cw.Flush()
	return path, cw.Error()
}

// WritePlot renders the trace and (when non-nil) the fitted model curve to
// tag.png.
func (w *Writer) WritePlot(tag, title, xLabel, yLabel string, x, y, fitted []float64) (string, error) {
	if len(x) != len(y) {
		return "", fmt.Errorf("trace length mismatch: %d x vs %d y", len(x), len(y))
	}
	d, err := w.dir(time.Now())
	if err != nil {
		return "", err
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel

	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i] = plotter.XY{X: x[i], Y: y[i]}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return "", fmt.Errorf("build scatter: %w", err)
	}
	p.Add(scatter)
	p.Legend.Add("data", scatter)

	if fitted != nil && len(fitted) == len(x) {
		fitPts := make(plotter.XYs, len(x))
		for i := range x {
			fitPts[i] = plotter.XY{X: x[i], Y: fitted[i]}
		}
		line, err := plotter.NewLine(fitPts)
		if err != nil {
			return "", fmt.Errorf("build fit line: %w", err)
		}
		p.Add(line)
		p.Legend.Add("fit", line)
	}

	path := filepath.Join(d, sanitize(tag)+".png")
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", fmt.Errorf("save plot: %w", err)
	}
	return path, nil
}

func sanitize(tag string) string {
	out := make([]rune, 0, len(tag))
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "untagged"
	}
	return string(out)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
