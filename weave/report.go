package weave

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
	"github.com/pmezard/go-difflib/difflib"
)

const topMethodsMaxRecords = 10

var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// AssemblyReport is the outcome of one assembly in an engine run.
type AssemblyReport struct {
	Assembly string `json:"assembly"`
	Path     string `json:"path"`
	// Skipped is set when the journal or the image itself shows the assembly was already woven.
	Skipped  bool           `json:"skipped,omitempty"`
	Error    string         `json:"error,omitempty"`
	Symbols  bool           `json:"symbols"`
	Methods  []MethodReport `json:"methods"`
	Warnings []Diagnostic   `json:"warnings"`
	Duration int64          `json:"duration_ms"`
}

// Failed reports if the assembly could not be woven.
func (r AssemblyReport) Failed() bool {
	return r.Error != ""
}

// Report summarizes an engine run.
type Report struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	RunDuration   int64            `json:"run_ms"`
	DryRun        bool             `json:"dry_run,omitempty"`
	Assemblies    []AssemblyReport `json:"assemblies"`
	AspectCounts  map[string]int   `json:"aspect_counts"`
	WarningCounts map[string]int   `json:"warning_counts"`
	MethodCount   int              `json:"method_count"`
	FailedCount   int              `json:"failed_count"`
	SkippedCount  int              `json:"skipped_count"`
}

// NewReport aggregates the assembly reports, ordered by path.
func NewReport(startTime time.Time, assemblies []AssemblyReport) *Report {
	slices.SortFunc(assemblies, func(a, b AssemblyReport) int {
		return strings.Compare(a.Path, b.Path)
	})
	var aspects, codes []string
	r := &Report{
		GeneratedAt: time.Now(),
		RunDuration: time.Since(startTime).Milliseconds(),
		Assemblies:  assemblies,
	}
	for _, ar := range assemblies {
		r.MethodCount += len(ar.Methods)
		if ar.Failed() {
			r.FailedCount++
		} else if ar.Skipped {
			r.SkippedCount++
		}
		for _, mr := range ar.Methods {
			aspects = append(aspects, mr.Aspects...)
		}
		for _, d := range ar.Warnings {
			codes = append(codes, d.Code)
		}
	}
	r.AspectCounts = bulk.SliceToCounts(aspects)
	r.WarningCounts = bulk.SliceToCounts(codes)
	return r
}

// methodDiff returns the unified diff of a method's disassembly before and after weaving.
func methodDiff(method, before, after string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: method + " (original)",
		ToFile:   method + " (woven)",
		Context:  2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil {
		return text
	}
	return ""
}

// WriteToFile writes the report as indented JSON. An empty path writes nothing.
func (r *Report) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteToFile.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}

func chartOutputType(path string) (string, error) {
	if strings.HasSuffix(path, ".png") {
		return charts.ChartOutputPNG, nil
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		return charts.ChartOutputJPG, nil
	} else if strings.HasSuffix(path, ".svg") {
		return charts.ChartOutputSVG, nil
	}
	return "", fmt.Errorf("unhandled chart file type: %s", path)
}

// WriteCharts renders the report charts to path, the image format chosen by the file suffix.
func (r *Report) WriteCharts(path string) error {
	if path == "" {
		return nil
	}
	outputType, err := chartOutputType(path)
	if err != nil {
		return err
	}
	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1024,
	}
	if buf, err := renderReportCharts(painterOpt, r); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderCharts renders the report to a png.
func (r *Report) RenderCharts() ([]byte, error) {
	return renderReportCharts(charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}, r)
}

func renderReportCharts(painterOpt charts.PainterOptions, r *Report) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, r); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a painter sized to the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, r); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func renderChartsToPainter(p *charts.Painter, r *Report) (charts.Box, error) {
	var before, after int
	for _, ar := range r.Assemblies {
		for _, mr := range ar.Methods {
			before += mr.Before
			after += mr.After
		}
	}
	assemblyCount := len(r.Assemblies)
	wovenCount := assemblyCount - r.FailedCount - r.SkippedCount

	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := "Aspect Weaving " + r.GeneratedAt.Format(time.DateTime)
	titleBox := p.MeasureText(title, 0, titleFont)
	titleBottom := titleBox.Height()
	resultBox.Bottom += titleBottom

	painters, err := p.LayoutByRows().RowGap(strconv.Itoa(titleBottom)).
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Columns("bottom").
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	bottom := painters["bottom"]

	barGaugeTheme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{ /* Golden yellow */ R: 220, G: 210, B: 100, A: 255},
			charts.ColorRed,
		})

	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(wovenCount)}, {float64(r.SkippedCount)}, {float64(r.FailedCount)},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeTheme
	topLeftOpt.Title.Text = "Assemblies Woven"
	topLeftOpt.XAxis.Unit = axisUnitForMax(assemblyCount)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[2].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[2].Label.FontStyle.FontColor = firstValueSeriesRankColor(topLeftOpt.Theme, topLeftOpt.SeriesList)
	topLeftOpt.SeriesList[2].Label.ValueFormatter = func(f float64) string {
		if assemblyCount == 0 {
			return "No assemblies"
		}
		return strconv.Itoa(wovenCount) + " / " + strconv.Itoa(assemblyCount)
	}
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(before)}, {float64(max(after-before, 0))},
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeTheme
	topRightOpt.Title.Text = "Instruction Growth"
	topRightOpt.XAxis.Unit = axisUnitForMax(after)
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.BarHeight = topLeftOpt.BarHeight
	topRightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		if before == 0 {
			return "No methods woven"
		}
		return "+" + charts.FormatValueHumanize(100.0*f/float64(before), 1, false) + "%"
	}
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}
	resultBox.Bottom += max(topLeft.Height(), topRight.Height())

	rows := topMethodRows(r)
	if len(rows) == 0 {
		text := "No Methods Woven"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		tableTitle := "Largest Woven Methods"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: barGaugeTheme.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(rows)%2 == 0 {
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		bottomOpt := charts.TableChartOption{
			Header:                []string{"Method", "Aspects", "Instructions", "Warnings"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{30, 20, 10, 8},
			TextAligns:            []string{charts.AlignLeft, charts.AlignLeft, charts.AlignCenter, charts.AlignCenter},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle
				switch cell.Column {
				case 1:
					cell.FontStyle.FontSize = 8
				case 3:
					if cell.Text == "0" {
						cell.FontStyle.FontColor = greenTextColor
					} else if len(cell.Text) < 2 {
						cell.FontStyle.FontColor = orangeTextColor
					} else {
						cell.FontStyle.FontColor = redTextColor
					}
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(bottomOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// rendered again to measure, the table height is not returned
		bottomOpt.Width = bottom.Width()
		if tp, _ := charts.TableOptionRenderDirect(bottomOpt); tp != nil {
			resultBox.Bottom += tableTitleBox.Height() + tp.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return resultBox, nil
}

// topMethodRows lists the woven methods with the most added instructions.
func topMethodRows(r *Report) [][]string {
	type methodRow struct {
		report   MethodReport
		warnings int
	}
	var methods []methodRow
	for _, ar := range r.Assemblies {
		warnings := bulk.SliceToCounts(warningMethods(ar.Warnings))
		for _, mr := range ar.Methods {
			methods = append(methods, methodRow{report: mr, warnings: warnings[mr.Method]})
		}
	}
	slices.SortStableFunc(methods, func(a, b methodRow) int {
		return (b.report.After - b.report.Before) - (a.report.After - a.report.Before)
	})
	if len(methods) > topMethodsMaxRecords {
		methods = methods[:topMethodsMaxRecords]
	}

	rows := make([][]string, len(methods))
	for i, m := range methods {
		name := m.report.Method
		if len(name) > 58 {
			name = ".." + name[len(name)-56:]
		}
		rows[i] = []string{
			name,
			strings.Join(m.report.Aspects, "\n"),
			strconv.Itoa(m.report.Before) + " -> " + strconv.Itoa(m.report.After),
			strconv.Itoa(m.warnings),
		}
	}
	return rows
}

func warningMethods(diags []Diagnostic) []string {
	result := make([]string, len(diags))
	for i, d := range diags {
		result[i] = d.Method
	}
	return result
}

func firstValueSeriesRankColor(theme charts.ColorPalette, sl charts.HorizontalBarSeriesList) charts.Color {
	sum := sl.SumSeriesValues()
	if sl[0].Values[0] < sum[0]/2 {
		return redTextColor
	} else if sl[0].Values[0] < sum[0]*.8 {
		return orangeTextColor
	} else {
		return theme.GetLabelTextColor()
	}
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
