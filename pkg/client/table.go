package client

import (
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/olekukonko/tablewriter"
)

// RenderTable writes records as a plain text table. Every record must share
// the first record's schema.
func RenderTable(w io.Writer, recs []arrow.Record) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetRowLine(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for i, rec := range recs {
		if i == 0 {
			table.SetHeader(headers(rec.Schema()))
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			table.Append(rowText(rec, row))
		}
	}
	table.Render()
}

func headers(schema *arrow.Schema) []string {
	out := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		out[i] = f.Name
	}
	return out
}

func rowText(rec arrow.Record, row int) []string {
	out := make([]string, rec.NumCols())
	for i := range out {
		out[i] = cellText(rec.Column(i), row)
	}
	return out
}

func cellText(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return "-"
	}
	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.Int64:
		return strconv.FormatInt(c.Value(row), 10)
	case *array.Float64:
		return strconv.FormatFloat(c.Value(row), 'f', 4, 64)
	default:
		return c.ValueStr(row)
	}
}
