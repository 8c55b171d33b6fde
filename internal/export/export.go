// Package export renders stored translation results as spreadsheet downloads.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"lenslate/internal/lens"
)

// SheetName is the single sheet carrying the annotation rows.
const SheetName = "Annotations"

var header = []string{"Text", "Left", "Top", "Width", "Height", "Rotation"}

// Row is one extracted text block with its on-image geometry in pixels.
type Row struct {
	Text     string
	Left     int
	Top      int
	Width    int
	Height   int
	Rotation float64
}

// Rows flattens a done result payload into export rows. Payloads without
// annotations (the plain-image mode) yield an empty slice.
func Rows(payload any) []Row {
	doc, ok := payload.(lens.Document)
	if !ok {
		m, mok := payload.(map[string]any)
		if !mok {
			return nil
		}
		doc = lens.Document(m)
	}
	anns, _ := doc[lens.DocKeyAnnotations].([]lens.Annotation)
	rows := make([]Row, 0, len(anns))
	for _, ann := range anns {
		left, right, top, bottom := ann.Bounds()
		rows = append(rows, Row{
			Text:     ann.Description,
			Left:     left,
			Top:      top,
			Width:    right - left,
			Height:   bottom - top,
			Rotation: ann.Rotate,
		})
	}
	return rows
}

// Workbook renders rows into a single-sheet xlsx file. The caller owns the
// returned file and must Close it.
func Workbook(rows []Row) (*excelize.File, error) {
	wb := excelize.NewFile()
	if err := wb.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for col, name := range header {
		if err := setCell(wb, col+1, 1, name); err != nil {
			return nil, err
		}
	}
	for i, row := range rows {
		values := []any{row.Text, row.Left, row.Top, row.Width, row.Height, row.Rotation}
		for col, v := range values {
			if err := setCell(wb, col+1, i+2, v); err != nil {
				return nil, err
			}
		}
	}
	return wb, nil
}

func setCell(wb *excelize.File, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("cell name (%d,%d): %w", col, row, err)
	}
	if err := wb.SetCellValue(SheetName, cell, value); err != nil {
		return fmt.Errorf("set cell %s: %w", cell, err)
	}
	return nil
}
