package workflow

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// StockImportRow is one parsed sheet row. Row is the 1-based sheet row number.
type StockImportRow struct {
	Row       int
	ProductId int
	SiteId    *int
	Quantity  int64
	Note      string
}

type StockImportResult struct {
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

var stockImportColumns = []string{"product_id", "site_id", "quantity", "note"}

// ReadStockImportSheet parses an .xlsx stock count. The first row is a header naming the
// product_id, site_id, quantity and note columns in any order; site_id and note may be blank.
// Rows that cannot be parsed are reported in the result and skipped.
func ReadStockImportSheet(r io.Reader, sheet string) ([]StockImportRow, *StockImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read sheet: %v", err)
	}
	if len(rows) == 0 {
		return nil, nil, models.ValidationErrorf("sheet %q is empty", sheet)
	}

	index := map[string]int{}
	for i, name := range rows[0] {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range []string{"product_id", "quantity"} {
		if _, ok := index[col]; !ok {
			return nil, nil, models.ValidationErrorf("sheet %q has no %s column (expected %s)", sheet, col, strings.Join(stockImportColumns, ", "))
		}
	}
	cell := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	result := &StockImportResult{}
	parsed := make([]StockImportRow, 0, len(rows)-1)
	for idx, row := range rows[1:] {
		rowNo := idx + 2
		if cell(row, "product_id") == "" && cell(row, "quantity") == "" {
			continue
		}
		productId, err := strconv.Atoi(cell(row, "product_id"))
		if err != nil || productId <= 0 {
			result.fail(rowNo, fmt.Errorf("invalid product_id %q", cell(row, "product_id")))
			continue
		}
		var siteId *int
		if raw := cell(row, "site_id"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil || id <= 0 {
				result.fail(rowNo, fmt.Errorf("invalid site_id %q", raw))
				continue
			}
			siteId = &id
		}
		qty, err := utils.ParseQuantityCell(cell(row, "quantity"))
		if err != nil {
			result.fail(rowNo, err)
			continue
		}
		parsed = append(parsed, StockImportRow{
			Row:       rowNo,
			ProductId: productId,
			SiteId:    siteId,
			Quantity:  qty,
			Note:      cell(row, "note"),
		})
	}
	return parsed, result, nil
}

func (r *StockImportResult) fail(row int, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("Row %d: %v", row, err))
}

// ImportStock appends one adjustment entry per row setting the key to the counted quantity.
// Each row commits on its own; a failing row is logged and counted and does not stop the rest.
func ImportStock(ctx context.Context, ledger *StockLedger, rows []StockImportRow, result *StockImportResult) *StockImportResult {
	if result == nil {
		result = &StockImportResult{}
	}
	for _, row := range rows {
		note := row.Note
		if note == "" {
			note = fmt.Sprintf("stock import row %d", row.Row)
		}
		_, err := ledger.AppendEntry(ctx, models.NewStockEntry{
			ProductId:      row.ProductId,
			SiteId:         row.SiteId,
			Quantity:       row.Quantity,
			AdjustmentType: models.AdjustmentTypeAdjustment,
			ReferenceType:  models.StockReferenceTypeImport,
			Note:           note,
		})
		if err != nil {
			ledger.logger().WithFields(logrus.Fields{
				"row":        row.Row,
				"product_id": row.ProductId,
				"site_id":    row.SiteId,
			}).Warn(fmt.Errorf("%w: import stock row: %v", models.ErrBestEffortSideEffect, err).Error())
			result.fail(row.Row, err)
			continue
		}
		result.Imported++
	}
	return result
}
