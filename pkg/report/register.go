package report

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"lemmacheck/pkg/domain"
)

const (
	registerSheet     = "問題清單"
	sectionImportant  = "嚴重缺陷"
	sectionOther      = "其他需修復項目"
	registerTimestamp = "2006-01-02 15:04:05"
)

var registerHeader = []any{"區段", "類別", "編號", "描述", "圖片數量", "建立時間"}

var registerWidths = []float64{14, 18, 8, 60, 10, 20}

// Register builds an .xlsx problem register. Rows follow the report order and
// numbering.
func Register(event domain.Event) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", registerSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	header := registerHeader
	if err := f.SetSheetRow(registerSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.ColumnNumberToName(len(registerHeader))
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(registerSheet, "A1", last+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}
	for i, width := range registerWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(registerSheet, col, col, width); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	row := 2
	write := func(section, category string, index int, p domain.Problem) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		description := p.Description
		if description == "" {
			description = noDescription
		}
		created := ""
		if !p.CreatedAt.IsZero() {
			created = p.CreatedAt.Format(registerTimestamp)
		}
		values := []any{section, category, index, description, len(p.Images), created}
		if err := f.SetSheetRow(registerSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		row++
		return nil
	}

	g := Group(event.Problems)
	for i, p := range g.Important {
		category := strings.TrimSpace(p.Category)
		if category == "" {
			category = domain.DefaultCategory
		}
		if err := write(sectionImportant, category, i+1, p); err != nil {
			return nil, err
		}
	}
	for _, c := range g.Categories {
		for i, p := range c.Problems {
			if err := write(sectionOther, c.Category, i+1, p); err != nil {
				return nil, err
			}
		}
	}

	if err := f.SetPanes(registerSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
