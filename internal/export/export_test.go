package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"lenslate/internal/lens"
)

func ann(text string, l, t, r, b int, rot float64) lens.Annotation {
	return lens.Annotation{
		Description: text,
		BoundingPoly: lens.BoundingPoly{Vertices: []lens.Vertex{
			{X: l, Y: t}, {X: r, Y: t}, {X: r, Y: b}, {X: l, Y: b},
		}},
		Rotate: rot,
	}
}

func TestRowsFromAnnotatedDocument(t *testing.T) {
	t.Parallel()

	doc := lens.Document{
		lens.DocKeyAnnotations: []lens.Annotation{
			ann("hello", 10, 20, 110, 45, -3.5),
			ann("world", 10, 50, 80, 70, 0),
		},
	}

	rows := Rows(doc)
	require.Len(t, rows, 2)
	require.Equal(t, Row{Text: "hello", Left: 10, Top: 20, Width: 100, Height: 25, Rotation: -3.5}, rows[0])
	require.Equal(t, Row{Text: "world", Left: 10, Top: 50, Width: 70, Height: 20, Rotation: 0}, rows[1])
}

func TestRowsFromPlainMap(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		lens.DocKeyAnnotations: []lens.Annotation{ann("x", 0, 0, 5, 5, 0)},
	}
	require.Len(t, Rows(payload), 1)
}

func TestRowsWithoutAnnotations(t *testing.T) {
	t.Parallel()

	require.Empty(t, Rows(lens.Document{lens.DocKeyImage: "data:image/png;base64,xx"}))
	require.Nil(t, Rows("not a document"))
	require.Nil(t, Rows(nil))
}

func TestWorkbookRoundTrip(t *testing.T) {
	t.Parallel()

	wb, err := Workbook([]Row{
		{Text: "first line", Left: 10, Top: 20, Width: 100, Height: 25, Rotation: -3.5},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, wb.Close()) }()

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))

	read, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { require.NoError(t, read.Close()) }()

	got, err := read.GetCellValue(SheetName, "A1")
	require.NoError(t, err)
	require.Equal(t, "Text", got)

	got, err = read.GetCellValue(SheetName, "A2")
	require.NoError(t, err)
	require.Equal(t, "first line", got)

	got, err = read.GetCellValue(SheetName, "B2")
	require.NoError(t, err)
	require.Equal(t, "10", got)

	got, err = read.GetCellValue(SheetName, "F2")
	require.NoError(t, err)
	require.Equal(t, "-3.5", got)
}

func TestWorkbookEmptyStillHasHeader(t *testing.T) {
	t.Parallel()

	wb, err := Workbook(nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, wb.Close()) }()

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))

	read, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { require.NoError(t, read.Close()) }()

	rows, err := read.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"Text", "Left", "Top", "Width", "Height", "Rotation"}, rows[0])
}
