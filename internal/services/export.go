package services

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"catalog-sync-service/internal/models"
)

const (
	ExportSheetName   = "Catalog"
	ExportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var exportColumns = []string{
	"ID", "Custom SKU", "System SKU", "UPC", "EAN", "Description", "Color", "Size",
	"Category", "Item Type", "Retail Price", "Qty Total",
}

// WriteCatalogXLSX writes rows as a single-sheet workbook with one quantity column per location
func WriteCatalogXLSX(w io.Writer, rows []models.CatalogRow, locations []string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ExportSheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(ExportSheetName)
	if err != nil {
		return fmt.Errorf("failed to open sheet writer: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	width := len(exportColumns) + len(locations)
	if err := sw.SetColWidth(1, width, 18); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	header := make([]interface{}, 0, width)
	for _, name := range exportColumns {
		header = append(header, excelize.Cell{StyleID: headerStyle, Value: name})
	}
	for _, name := range locations {
		header = append(header, excelize.Cell{StyleID: headerStyle, Value: name})
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, row := range rows {
		values := make([]interface{}, 0, width)
		values = append(values,
			row.ID, row.CustomSku, row.SystemSku, row.UPC, row.EAN, row.Description,
			row.Color, row.Size, row.Category, row.ItemType,
			priceCell(row), numberCell(row.QtyTotal),
		)
		for _, name := range locations {
			values = append(values, numberCell(row.Locations[name]))
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func priceCell(row models.CatalogRow) interface{} {
	if row.RetailPriceNumber != nil {
		return *row.RetailPriceNumber
	}
	return row.RetailPrice
}

func numberCell(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
