package shelldom

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type workbookXML struct {
	Sheets struct {
		Sheet []struct {
			Name string `xml:"name,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

// inspectXLSX summarizes an xlsx file without a spreadsheet dependency: sheet
// names from workbook.xml plus per-worksheet row counts from the raw parts.
func inspectXLSX(path string) map[string]any {
	info := map[string]any{
		"name":                 filepath.Base(path),
		"size_bytes":           int64(0),
		"sheet_names":          []string{},
		"worksheet_row_counts": map[string]int{},
		"error":                nil,
	}
	stat, err := os.Stat(path)
	if err != nil {
		info["error"] = err.Error()
		return info
	}
	info["size_bytes"] = stat.Size()

	reader, err := zip.OpenReader(path)
	if err != nil {
		info["error"] = fmt.Sprintf("%v", err)
		return info
	}
	defer reader.Close()

	readPart := func(name string) ([]byte, error) {
		for _, file := range reader.File {
			if file.Name == name {
				rc, err := file.Open()
				if err != nil {
					return nil, err
				}
				defer rc.Close()
				var buf bytes.Buffer
				if _, err := buf.ReadFrom(rc); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			}
		}
		return nil, fmt.Errorf("missing part %s", name)
	}

	workbookData, err := readPart("xl/workbook.xml")
	if err != nil {
		info["error"] = fmt.Sprintf("%v", err)
		return info
	}
	var workbook workbookXML
	if err := xml.Unmarshal(workbookData, &workbook); err != nil {
		info["error"] = fmt.Sprintf("%v", err)
		return info
	}
	sheetNames := []string{}
	for _, sheet := range workbook.Sheets.Sheet {
		if name := strings.TrimSpace(sheet.Name); name != "" {
			sheetNames = append(sheetNames, name)
		}
	}
	info["sheet_names"] = sheetNames

	var worksheetParts []string
	for _, file := range reader.File {
		if strings.HasPrefix(file.Name, "xl/worksheets/sheet") && strings.HasSuffix(file.Name, ".xml") {
			worksheetParts = append(worksheetParts, file.Name)
		}
	}
	sort.Strings(worksheetParts)
	if len(worksheetParts) > 10 {
		worksheetParts = worksheetParts[:10]
	}
	rowCounts := map[string]int{}
	for _, part := range worksheetParts {
		data, err := readPart(part)
		if err != nil {
			rowCounts[filepath.Base(part)] = -1
			continue
		}
		rowCounts[filepath.Base(part)] = bytes.Count(data, []byte("<row"))
	}
	info["worksheet_row_counts"] = rowCounts
	return info
}
