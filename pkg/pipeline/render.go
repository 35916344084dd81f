package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

const (
	tableRowLimit    = 25
	narrativeRowsMax = 40
)

// OutputRenderer produces the artifacts the response plan asks for. The
// narrative comes from the model with a static fallback; tables and charts
// are built directly from result rows.
type OutputRenderer struct {
	log     *slog.Logger
	cfg     *Config
	prompts *Prompts
}

func NewOutputRenderer(cfg *Config) *OutputRenderer {
	return &OutputRenderer{log: cfg.Logger, cfg: cfg, prompts: cfg.Prompts}
}

// Run populates rec.Artifacts with every required kind. Suggested kinds are
// surfaced by name only and never rendered here. Rendering failures degrade
// individual artifacts, never the stage.
func (r *OutputRenderer) Run(ctx context.Context, rec *StateRecord) error {
	rec.Artifacts = make(map[ArtifactKind]Artifact)

	for _, kind := range rec.Response.Required {
		if _, done := rec.Artifacts[kind]; done {
			continue
		}
		switch kind {
		case ArtifactNarrative:
			rec.Artifacts[kind] = r.renderNarrative(ctx, rec)
		case ArtifactTable:
			rec.Artifacts[kind] = renderTable(rec.Results)
		case ArtifactLineChart, ArtifactBarChart, ArtifactPieChart:
			rec.Artifacts[kind] = renderChart(kind, rec)
		}
	}
	return nil
}

func (r *OutputRenderer) renderNarrative(ctx context.Context, rec *StateRecord) Artifact {
	userPrompt := buildNarrativeUserPrompt(rec)
	response, attempts, err := retryLLM(ctx, r.cfg, func() (string, error) {
		return r.cfg.LLM.Complete(ctx, r.prompts.Narrative, userPrompt)
	})
	if err != nil || strings.TrimSpace(response) == "" {
		r.log.Warn("render: narrative generation failed, using fallback",
			"attempts", attempts, "error", err)
		if rec.Fault == nil {
			rec.Fault = NewFault(FaultGeneration, StageRender, true, err)
		}
		return Artifact{Kind: ArtifactNarrative, Text: fallbackNarrative(rec)}
	}
	return Artifact{Kind: ArtifactNarrative, Text: strings.TrimSpace(response)}
}

// fallbackNarrative states what ran and what came back without any model
// involvement.
func fallbackNarrative(rec *StateRecord) string {
	succeeded, failed := countOutcomes(rec.Results)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ran %d queries for %q", len(rec.Results), rec.RawQuery.Text)
	if failed > 0 {
		fmt.Fprintf(&sb, " (%d failed)", failed)
	}
	if succeeded > 0 && rec.Data != nil {
		fmt.Fprintf(&sb, "; %d rows returned", rec.Data.TotalRows)
	}
	sb.WriteString(". See the attached data for details.")
	return sb.String()
}

func buildNarrativeUserPrompt(rec *StateRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", rec.RawQuery.Text)
	fmt.Fprintf(&sb, "Analysis depth: %s\n\n", rec.Strategy.Depth)
	for i, res := range rec.Results {
		purpose := rec.Plans[i].Purpose
		if !res.Success {
			fmt.Fprintf(&sb, "## Result %d (%s): FAILED\n%s\n\n", i+1, purpose, res.ErrDetail)
			continue
		}
		fmt.Fprintf(&sb, "## Result %d (%s): %d rows\n", i+1, purpose, len(res.Rows))
		rows := res.Rows
		if len(rows) > narrativeRowsMax {
			rows = rows[:narrativeRowsMax]
		}
		for _, row := range rows {
			sb.WriteString(formatRow(res.Columns, row))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatRow(columns []string, row map[string]any) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("%s=%v", col, row[col]))
	}
	return strings.Join(parts, ", ")
}

// renderTable builds one table from the first successful result with rows.
func renderTable(results []ExecutionResult) Artifact {
	for _, res := range results {
		if !res.Success || len(res.Rows) == 0 {
			continue
		}
		table := TableData{Columns: res.Columns}
		rows := res.Rows
		if len(rows) > tableRowLimit {
			rows = rows[:tableRowLimit]
		}
		for _, row := range rows {
			line := make([]string, 0, len(res.Columns))
			for _, col := range res.Columns {
				line = append(line, fmt.Sprint(row[col]))
			}
			table.Rows = append(table.Rows, line)
		}

		var sb strings.Builder
		w := tablewriter.NewWriter(&sb)
		w.SetHeader(res.Columns)
		for _, line := range table.Rows {
			w.Append(line)
		}
		w.Render()
		table.Rendered = sb.String()

		return Artifact{Kind: ArtifactTable, Table: &table}
	}
	return Artifact{Kind: ArtifactTable, Table: &TableData{}}
}

// renderChart builds a declarative chart spec from the merged successful
// results. Line and bar charts use the time-like column as the x axis when
// one exists, otherwise the first non-numeric column; pie charts use label
// and value pairs.
func renderChart(kind ArtifactKind, rec *StateRecord) Artifact {
	columns, rows := mergeSuccessful(rec.Results)
	if len(rows) == 0 {
		return Artifact{Kind: kind, Chart: &ChartSpec{Kind: kind, Title: rec.RawQuery.Text}}
	}

	xCol := timeLikeColumn(columns)
	if xCol == "" {
		xCol = firstTextColumn(columns, rows)
	}
	numeric := numericColumns(columns, rows, xCol)

	spec := &ChartSpec{Kind: kind, Title: rec.RawQuery.Text, XColumn: xCol}
	for _, row := range rows {
		spec.XValues = append(spec.XValues, fmt.Sprint(row[xCol]))
	}
	for _, col := range numeric {
		series := ChartSeries{Name: col}
		for _, row := range rows {
			series.Values = append(series.Values, toFloat(row[col]))
		}
		spec.Series = append(spec.Series, series)
		if kind == ArtifactPieChart {
			break // pies carry a single value series
		}
	}
	return Artifact{Kind: kind, Chart: spec}
}

func mergeSuccessful(results []ExecutionResult) ([]string, []map[string]any) {
	var columns []string
	var rows []map[string]any
	for _, res := range results {
		if !res.Success || len(res.Rows) == 0 {
			continue
		}
		if columns == nil {
			columns = res.Columns
		}
		rows = append(rows, res.Rows...)
	}
	return columns, rows
}

func firstTextColumn(columns []string, rows []map[string]any) string {
	for _, col := range columns {
		if _, ok := rows[0][col].(string); ok {
			return col
		}
	}
	if len(columns) > 0 {
		return columns[0]
	}
	return ""
}

func numericColumns(columns []string, rows []map[string]any, exclude string) []string {
	var out []string
	for _, col := range columns {
		if col == exclude {
			continue
		}
		if isNumeric(rows[0][col]) {
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

func isNumeric(v any) bool {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case string:
		_, err := strconv.ParseFloat(x, 64)
		return err == nil
	default:
		return false
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}
