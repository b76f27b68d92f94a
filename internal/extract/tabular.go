package extract

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/montanaflynn/stats"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// extractSpreadsheet summarizes each sheet of an xlsx workbook: dimensions,
// column kinds, a bounded row preview and descriptive stats for numeric
// columns. A sheet that fails to read degrades with a note instead of failing
// the workbook.
func (d *Dispatcher) extractSpreadsheet(path, fileName string) *Result {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return failed(CategorySpreadsheet, fmt.Sprintf("spreadsheet %q could not be opened and may be corrupt", fileName))
	}
	defer wb.Close()

	var (
		builder       strings.Builder
		skippedSheets int
	)
	sheets := wb.GetSheetList()
	for _, sheet := range sheets {
		rows, err := readSheetRows(wb, sheet, d.limits.MaxRows)
		if err != nil {
			log.Printf("spreadsheet %s: sheet %q unreadable: %v", fileName, sheet, err)
			skippedSheets++
			continue
		}
		builder.WriteString(fmt.Sprintf("Sheet %q:\n", sheet))
		builder.WriteString(summarizeTable(rows, d.limits.PreviewRows))
		builder.WriteString("\n")
	}

	text := strings.TrimSpace(builder.String())
	if text == "" {
		return failed(CategorySpreadsheet, fmt.Sprintf("spreadsheet %q has no readable sheets", fileName))
	}
	result := &Result{Category: CategorySpreadsheet, Status: StatusOK, Text: text}
	if skippedSheets > 0 {
		result.Status = StatusDegraded
		result.Note = fmt.Sprintf("%d of %d sheets could not be read", skippedSheets, len(sheets))
		result.Text += fmt.Sprintf("\n[note: %s]", result.Note)
	}
	return result
}

// readSheetRows streams rows through the excelize iterator so oversized
// sheets never fully load into memory.
func readSheetRows(wb *excelize.File, sheet string, maxRows int) ([][]string, error) {
	iter, err := wb.Rows(sheet)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows [][]string
	for iter.Next() && len(rows) < maxRows {
		cols, err := iter.Columns()
		if err != nil {
			return nil, err
		}
		rows = append(rows, cols)
	}
	return rows, iter.Error()
}

// csvEncodings is the ordered fallback chain tried when a CSV is not valid
// UTF-8. Index 0 (nil) means plain UTF-8.
var csvEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"utf-8", nil},
	{"gbk", simplifiedchinese.GBK},
	{"windows-1252", charmap.Windows1252},
}

func (d *Dispatcher) extractCSV(path, fileName string) *Result {
	raw, err := os.ReadFile(path)
	if err != nil {
		return failed(CategoryCSV, fmt.Sprintf("CSV %q could not be read: %v", fileName, err))
	}

	var rows [][]string
	var decodeErr error
	for _, candidate := range csvEncodings {
		text := raw
		if candidate.enc == nil {
			if !utf8.Valid(raw) {
				decodeErr = fmt.Errorf("not valid utf-8")
				continue
			}
		} else {
			text, decodeErr = io.ReadAll(transform.NewReader(strings.NewReader(string(raw)), candidate.enc.NewDecoder()))
			if decodeErr != nil {
				continue
			}
		}
		rows, decodeErr = parseCSVRows(string(text), d.limits.MaxRows)
		if decodeErr == nil {
			break
		}
	}
	if decodeErr != nil || len(rows) == 0 {
		return failed(CategoryCSV, fmt.Sprintf("CSV %q could not be decoded with any supported encoding", fileName))
	}

	text := "CSV data:\n" + summarizeTable(rows, d.limits.PreviewRows)
	return &Result{Category: CategoryCSV, Status: StatusOK, Text: strings.TrimSpace(text)}
}

func parseCSVRows(data string, maxRows int) ([][]string, error) {
	reader := csv.NewReader(strings.NewReader(data))
	reader.FieldsPerRecord = -1
	var rows [][]string
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	return rows, nil
}

// summarizeTable renders header, shape, per-column kinds, a bounded preview
// and a stats block for numeric columns. The first row is treated as header.
func summarizeTable(rows [][]string, previewRows int) string {
	if len(rows) == 0 {
		return "(empty)\n"
	}
	header := rows[0]
	body := rows[1:]

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("columns: %s\n", strings.Join(header, ", ")))
	builder.WriteString(fmt.Sprintf("rows: %d\n", len(body)))

	numeric := numericColumns(header, body)
	if kinds := describeColumns(header, numeric); kinds != "" {
		builder.WriteString("types: " + kinds + "\n")
	}

	preview := body
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}
	if len(preview) > 0 {
		builder.WriteString("preview:\n")
		for _, row := range preview {
			builder.WriteString("  " + strings.Join(row, " | ") + "\n")
		}
		if len(body) > len(preview) {
			builder.WriteString(fmt.Sprintf("  ... (%d more rows)\n", len(body)-len(preview)))
		}
	}

	for i, name := range header {
		col := columnKey(name, i)
		values, ok := numeric[col]
		if !ok || len(values) < 2 {
			continue
		}
		mean, _ := stats.Mean(values)
		minV, _ := stats.Min(values)
		maxV, _ := stats.Max(values)
		stddev, _ := stats.StandardDeviation(values)
		builder.WriteString(fmt.Sprintf("stats %q: count=%d mean=%.4g min=%.4g max=%.4g stddev=%.4g\n",
			col, len(values), mean, minV, maxV, stddev))
	}
	return builder.String()
}

// numericColumns collects parseable float values keyed by column name. A
// column counts as numeric when most of its non-empty cells parse.
func numericColumns(header []string, body [][]string) map[string][]float64 {
	out := make(map[string][]float64)
	for i, name := range header {
		var values []float64
		nonEmpty := 0
		for _, row := range body {
			if i >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[i])
			if cell == "" {
				continue
			}
			nonEmpty++
			if v, err := strconv.ParseFloat(strings.ReplaceAll(cell, ",", ""), 64); err == nil {
				values = append(values, v)
			}
		}
		if nonEmpty > 0 && len(values)*10 >= nonEmpty*8 {
			out[columnKey(name, i)] = values
		}
	}
	return out
}

func describeColumns(header []string, numeric map[string][]float64) string {
	parts := make([]string, 0, len(header))
	for i, name := range header {
		kind := "text"
		if _, ok := numeric[columnKey(name, i)]; ok {
			kind = "numeric"
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", columnKey(name, i), kind))
	}
	return strings.Join(parts, ", ")
}

func columnKey(name string, idx int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Sprintf("col%d", idx+1)
	}
	return name
}
