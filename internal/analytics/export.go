package analytics

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"classroll/internal/attendance"
)

// ExportColumns is the header of both export formats.
var ExportColumns = []string{"Date", "Time", "Class", "Student ID", "Student Name", "Status", "Confidence", "Manual Override"}

// SheetName is the worksheet used by WriteXLSX.
const SheetName = "Attendance"

// Filename returns the download name of a report generated at t.
func Filename(t time.Time, ext string) string {
	return fmt.Sprintf("attendance-report-%s.%s", t.Format("2006-01-02"), ext)
}

func exportRow(r attendance.RecordView, loc *time.Location) []string {
	at := r.MarkedAt.In(loc)
	conf := "N/A"
	if r.Confidence != nil {
		conf = strconv.FormatFloat(*r.Confidence, 'f', -1, 64)
	}
	override := "No"
	if r.ManualOverride {
		override = "Yes"
	}
	return []string{
		at.Format("2006-01-02"),
		at.Format("15:04:05"),
		r.ClassCode,
		r.StudentCode,
		r.StudentName(),
		string(r.Status),
		conf,
		override,
	}
}

const nameColumn = 4

// WriteCSV writes the header and one line per record, joined by "\n" with no
// trailing newline. The student name is always quoted; other fields only when needed.
func WriteCSV(w io.Writer, records []attendance.RecordView, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(ExportColumns, ",")); err != nil {
		return err
	}
	for _, r := range records {
		fields := exportRow(r, loc)
		for i, f := range fields {
			if i == nameColumn || needsQuotes(f) {
				fields[i] = quote(f)
			}
		}
		if _, err := bw.WriteString("\n" + strings.Join(fields, ",")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func needsQuotes(s string) bool {
	return strings.ContainsAny(s, ",\"\r\n")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// WriteXLSX writes the same columns into a workbook with a single sheet.
func WriteXLSX(w io.Writer, records []attendance.RecordView, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return err
	}
	for i, header := range ExportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, header); err != nil {
			return err
		}
	}
	for i, r := range records {
		row := exportRow(r, loc)
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			var value any = v
			if col == 6 && r.Confidence != nil {
				value = *r.Confidence
			}
			if err := f.SetCellValue(SheetName, cell, value); err != nil {
				return err
			}
		}
	}
	_, err := f.WriteTo(w)
	return err
}
