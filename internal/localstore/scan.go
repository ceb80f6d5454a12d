package localstore

import (
	"sort"
	"strconv"
)

type SortOrder struct {
	Field string
	Desc  bool
}

// SortRecords orders records by the given field, falling back to id so the
// order is total and repeated scans slice identically.
func SortRecords(records []Record, order SortOrder) {
	sort.SliceStable(records, func(i, j int) bool {
		if order.Field != "" {
			cmp := compareFieldValues(records[i].Fields[order.Field], records[j].Fields[order.Field])
			if cmp != 0 {
				if order.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return records[i].ID < records[j].ID
	})
}

// Slice returns the requested 1-based page and the total number of records.
func Slice(records []Record, page, pageSize int) ([]Record, int) {
	total := len(records)
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		return append([]Record(nil), records...), total
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []Record{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return append([]Record(nil), records[start:end]...), total
}

func compareFieldValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aNum := numericValue(a)
	bf, bNum := numericValue(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := FieldString(a), FieldString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		return 0, false
	default:
		f, err := strconv.ParseFloat(FieldString(v), 64)
		return f, err == nil
	}
}
