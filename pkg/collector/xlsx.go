package collector

import (
	"bytes"
	"errors"

	"github.com/xuri/excelize/v2"
)

// xlsxRows flattens the first sheet of a workbook into string records.
// Banks and payment platforms ship xlsx exports alongside csv with the
// same column layout, so the sheet feeds the regular parser registry.
func xlsxRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheet)
}
