package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// Column names expected in the catalog header row.
const (
	ColDrugName          = "drug_name"
	ColMinAgeLimit       = "min_age_limit"
	ColMaxAgeLimit       = "max_age_limit"
	ColSex               = "sex"
	ColDosage            = "dosage"
	ColFrequency         = "frequency"
	ColPregnancyCategory = "pregnancy_category"
	ColMedicalCondition  = "medical_condition"
	ColSideEffects       = "side_effects"
	ColDrugClasses       = "drug_classes"
	ColAlcohol           = "alcohol"
)

var requiredColumns = []string{
	ColDrugName, ColMinAgeLimit, ColMaxAgeLimit, ColSex, ColDosage, ColFrequency,
	ColPregnancyCategory, ColMedicalCondition, ColSideEffects, ColDrugClasses, ColAlcohol,
}

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("catalog: missing required column")

// LoadStats summarises a catalog read. Incomplete counts loaded rows with
// an unreadable age or pregnancy cell.
type LoadStats struct {
	Rows         int
	Loaded       int
	SkippedEmpty int
	Incomplete   int
}

// Encoding names accepted by ReadFile.
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin1"
)

// ReadFile loads a catalog CSV from disk. A missing file is an error;
// callers treat it as fatal at startup.
func ReadFile(path, encoding string, logger *zap.Logger) ([]DrugRecord, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(encoding) {
	case "", EncodingUTF8, "utf8":
	case EncodingLatin1, "iso-8859-1":
		r = charmap.ISO8859_1.NewDecoder().Reader(f)
	case "windows-1252", "cp1252":
		r = charmap.Windows1252.NewDecoder().Reader(f)
	default:
		return nil, LoadStats{}, fmt.Errorf("unsupported catalog encoding %q", encoding)
	}

	return ReadCSV(r, logger)
}

// ReadCSV parses catalog rows from a CSV stream with a header row.
// Rows with a blank or unreadable age or pregnancy cell are kept with that
// value unset; only rows without a drug name are skipped.
func ReadCSV(r io.Reader, logger *zap.Logger) ([]DrugRecord, LoadStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("read catalog header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, LoadStats{}, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var (
		records []DrugRecord
		stats   LoadStats
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read catalog row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++

		field := func(col string) string {
			i := index[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		name := field(ColDrugName)
		if name == "" {
			stats.SkippedEmpty++
			continue
		}

		rec, unset := buildRecord(name, field)
		if len(unset) > 0 {
			stats.Incomplete++
			logger.Debug("catalog row has unreadable limits",
				zap.Int("row", stats.Rows),
				zap.String("drug", name),
				zap.Strings("columns", unset))
		}
		records = append(records, rec)
		stats.Loaded++
	}

	if stats.Incomplete > 0 || stats.SkippedEmpty > 0 {
		logger.Warn("catalog rows incomplete",
			zap.Int("incomplete", stats.Incomplete),
			zap.Int("skipped_empty", stats.SkippedEmpty))
	}

	return records, stats, nil
}

// buildRecord maps a row to a record and names the numeric columns it
// could not read.
func buildRecord(name string, field func(string) string) (DrugRecord, []string) {
	var unset []string
	whole := func(col string) *int {
		v, err := parseWhole(field(col))
		if err != nil {
			unset = append(unset, col)
			return nil
		}
		return &v
	}

	rec := DrugRecord{
		DrugName:          name,
		MinAgeLimit:       whole(ColMinAgeLimit),
		MaxAgeLimit:       whole(ColMaxAgeLimit),
		Sex:               field(ColSex),
		Dosage:            field(ColDosage),
		Frequency:         field(ColFrequency),
		PregnancyCategory: whole(ColPregnancyCategory),
		MedicalCondition:  field(ColMedicalCondition),
		SideEffects:       field(ColSideEffects),
		DrugClasses:       field(ColDrugClasses),
		Alcohol:           field(ColAlcohol),
	}
	return rec, unset
}

// parseWhole accepts "18" as well as spreadsheet exports such as "18.0".
func parseWhole(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not a whole number: %q", s)
	}
	return int(f), nil
}
