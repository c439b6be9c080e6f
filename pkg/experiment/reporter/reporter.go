// Package reporter renders experiment results as text summaries, JSON
// and CSV exports, and (optionally) charts, plus an HTML rollup
// embedding every chart for a set of experiments.
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/terrafix/terrafix/pkg/experiment/runner"
)

// ResultExport is the JSON-serializable mirror of runner.Result, used
// so repeated JSON -> struct -> JSON round trips preserve counts and
// percentile computations exactly.
type ResultExport struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Label      string  `json:"label,omitempty"`
	Generated  int     `json:"generated"`
	Processed  int     `json:"processed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	DurationMs float64 `json:"duration_ms"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
}

// Export converts a runner.Result into its JSON-serializable form.
func Export(r *runner.Result) ResultExport {
	return ResultExport{
		Name:       r.Name,
		Kind:       r.Kind,
		Label:      r.Label,
		Generated:  r.Generated,
		Processed:  r.Processed,
		Successful: r.Successful,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		DurationMs: float64(r.Duration.Microseconds()) / 1000,
		P50Ms:      r.Percentile(0.50),
		P95Ms:      r.Percentile(0.95),
		P99Ms:      r.Percentile(0.99),
	}
}

// Text renders a one-paragraph human-readable summary of a result.
func Text(r *runner.Result) string {
	e := Export(r)
	var b strings.Builder
	fmt.Fprintf(&b, "experiment %q (%s", e.Name, e.Kind)
	if e.Label != "" {
		fmt.Fprintf(&b, ", label=%s", e.Label)
	}
	fmt.Fprintf(&b, "): generated=%d processed=%d successful=%d failed=%d skipped=%d duration=%.0fms\n",
		e.Generated, e.Processed, e.Successful, e.Failed, e.Skipped, e.DurationMs)
	fmt.Fprintf(&b, "  latency p50=%.2fms p95=%.2fms p99=%.2fms\n", e.P50Ms, e.P95Ms, e.P99Ms)
	if e.Processed > 0 {
		fmt.Fprintf(&b, "  success fraction=%.2f%%\n", r.SuccessFraction()*100)
	}
	return b.String()
}

// JSON marshals one or more results into an indented JSON array.
func JSON(results []*runner.Result) ([]byte, error) {
	exports := make([]ResultExport, len(results))
	for i, r := range results {
		exports[i] = Export(r)
	}
	return json.MarshalIndent(exports, "", "  ")
}

// CSV renders one summary row per result.
func CSV(results []*runner.Result) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)

	header := []string{"name", "kind", "label", "generated", "processed", "successful", "failed", "skipped", "duration_ms", "p50_ms", "p95_ms", "p99_ms"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, r := range results {
		e := Export(r)
		row := []string{
			e.Name, e.Kind, e.Label,
			fmt.Sprint(e.Generated), fmt.Sprint(e.Processed), fmt.Sprint(e.Successful),
			fmt.Sprint(e.Failed), fmt.Sprint(e.Skipped),
			fmt.Sprintf("%.3f", e.DurationMs), fmt.Sprintf("%.3f", e.P50Ms), fmt.Sprintf("%.3f", e.P95Ms), fmt.Sprintf("%.3f", e.P99Ms),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return b.String(), w.Error()
}

const (
	chartWidth  = 6 * vg.Inch
	chartHeight = 4 * vg.Inch
)

// LatencyHistogram renders a histogram of per-violation latency for
// one result.
func LatencyHistogram(r *runner.Result, path string) error {
	values := make(plotter.Values, len(r.Samples))
	for i, s := range r.Samples {
		values[i] = s.LatencyMs
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: latency distribution", r.Name)
	p.X.Label.Text = "latency (ms)"
	p.Y.Label.Text = "count"

	bins := 20
	if len(values) < bins {
		bins = len(values)
	}
	if bins == 0 {
		bins = 1
	}
	hist, err := plotter.NewHist(values, bins)
	if err != nil {
		return err
	}
	p.Add(hist)

	return save(p, path)
}

// PercentileBars renders p50/p95/p99 latency as a labeled bar chart.
func PercentileBars(r *runner.Result, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: latency percentiles", r.Name)
	p.Y.Label.Text = "latency (ms)"

	values := plotter.Values{r.Percentile(0.50), r.Percentile(0.95), r.Percentile(0.99)}
	bars, err := plotter.NewBarChart(values, vg.Points(30))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX("p50", "p95", "p99")

	return save(p, path)
}

// ThroughputTimeline renders cumulative processed-violation count
// against elapsed run time.
func ThroughputTimeline(r *runner.Result, path string) error {
	samples := append([]runner.Sample(nil), r.Samples...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Elapsed < samples[j].Elapsed })

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i].X = s.Elapsed.Seconds()
		pts[i].Y = float64(i + 1)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: throughput timeline", r.Name)
	p.X.Label.Text = "elapsed (s)"
	p.Y.Label.Text = "cumulative processed"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)

	return save(p, path)
}

// SuccessFailureBreakdown renders the success/skipped/failed
// breakdown for one result as a labeled bar chart. gonum/plot's
// plotter package ships no native pie-chart plotter, so a labeled bar
// chart carries the same success/failure/skipped proportions the
// design calls for.
func SuccessFailureBreakdown(r *runner.Result, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: outcome breakdown", r.Name)
	p.Y.Label.Text = "count"

	values := plotter.Values{float64(r.Successful), float64(r.Failed), float64(r.Skipped)}
	bars, err := plotter.NewBarChart(values, vg.Points(30))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX("successful", "failed", "skipped")

	return save(p, path)
}

// ComparisonBars renders one named bar per result, comparing a single
// metric (e.g. success fraction) across experiments.
func ComparisonBars(results []*runner.Result, path string) error {
	p := plot.New()
	p.Title.Text = "cross-experiment comparison"
	p.Y.Label.Text = "success fraction"

	values := make(plotter.Values, len(results))
	labels := make([]string, len(results))
	for i, r := range results {
		values[i] = r.SuccessFraction()
		labels[i] = r.Name
	}
	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX(labels...)

	return save(p, path)
}

// percentileGrid implements plotter.GridXYZ over a coarse time-bucket
// x percentile-rank grid, for the percentile-vs-time heatmap.
type percentileGrid struct {
	buckets     int
	percentiles []float64 // percentile ranks in (0, 1), ascending
	values      [][]float64
}

func (g percentileGrid) Dims() (c, r int) { return g.buckets, len(g.percentiles) }
func (g percentileGrid) Z(c, r int) float64 {
	return g.values[r][c]
}
func (g percentileGrid) X(c int) float64 { return float64(c) }
func (g percentileGrid) Y(r int) float64 { return g.percentiles[r] }

// PercentileHeatmap renders latency percentile against elapsed time
// across a set of results, bucketing each result's samples into
// equal-width time windows.
func PercentileHeatmap(results []*runner.Result, path string) error {
	const buckets = 10
	percentileRanks := []float64{0.50, 0.75, 0.90, 0.95, 0.99}

	values := make([][]float64, len(percentileRanks))
	for i := range values {
		values[i] = make([]float64, buckets)
	}

	for bucketIdx := 0; bucketIdx < buckets; bucketIdx++ {
		for _, r := range results {
			bucketed := bucketSamples(r, buckets, bucketIdx)
			for rankIdx, rank := range percentileRanks {
				values[rankIdx][bucketIdx] += percentileOf(bucketed, rank)
			}
		}
		if len(results) > 0 {
			for rankIdx := range values {
				values[rankIdx][bucketIdx] /= float64(len(results))
			}
		}
	}

	grid := percentileGrid{buckets: buckets, percentiles: percentileRanks, values: values}

	p := plot.New()
	p.Title.Text = "percentile vs. time"
	p.X.Label.Text = "time bucket"
	p.Y.Label.Text = "percentile rank"

	heatmap := plotter.NewHeatMap(grid, palette.Heat(12, 1))
	p.Add(heatmap)

	return save(p, path)
}

func bucketSamples(r *runner.Result, buckets, bucketIdx int) []float64 {
	if len(r.Samples) == 0 || r.Duration <= 0 {
		return nil
	}
	width := r.Duration / time.Duration(buckets)
	lo := width * time.Duration(bucketIdx)
	hi := lo + width
	var out []float64
	for _, s := range r.Samples {
		if s.Elapsed >= lo && s.Elapsed < hi {
			out = append(out, s.LatencyMs)
		}
	}
	return out
}

func percentileOf(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(chartWidth, chartHeight, path)
}

const rollupTemplate = `<!DOCTYPE html>
<html>
<head><title>TerraFix experiment report</title></head>
<body>
<h1>TerraFix experiment report</h1>
{{range .Results}}
<h2>{{.Name}} ({{.Kind}})</h2>
<pre>{{.Summary}}</pre>
{{end}}
{{range .Charts}}
<img src="{{.}}" alt="chart">
{{end}}
</body>
</html>
`

type rollupData struct {
	Results []rollupResult
	Charts  []string
}

type rollupResult struct {
	Name, Kind, Summary string
}

// HTMLRollup writes an HTML page summarizing every result in results
// and embedding every chart image path in charts.
func HTMLRollup(results []*runner.Result, charts []string, path string) error {
	tmpl, err := template.New("rollup").Parse(rollupTemplate)
	if err != nil {
		return err
	}

	data := rollupData{Charts: charts}
	for _, r := range results {
		data.Results = append(data.Results, rollupResult{Name: r.Name, Kind: r.Kind, Summary: Text(r)})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return tmpl.Execute(f, data)
}
