package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var processHeaders = table.Row{"PID", "Handler", "Path", "Args", "Mode", "Attached"}

const (
	pathColumnWidth = 48
	argsColumnWidth = 32
)

// renderProcessTable lays out rows produced by processRows. Long paths and
// argument lists wrap inside their column instead of widening the table.
func renderProcessTable(rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(processHeaders)
	for _, row := range rows {
		r := make(table.Row, len(processHeaders))
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "PID", Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Name: "Path", WidthMax: pathColumnWidth, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Args", WidthMax: argsColumnWidth, WidthMaxEnforcer: text.WrapSoft},
	})
	return tw.Render()
}
