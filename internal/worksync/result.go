package worksync

import (
	"encoding/json"

	"github.com/agentworkforce/worksync/internal/localstore"
)

type ListQuery struct {
	Filters  map[string]string
	Page     int
	PageSize int
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListResult is either Plain or Paginated. The transport decides which one
// it got; callers read Items and only look at the concrete type when they
// need the pagination block.
type ListResult interface {
	Items() []localstore.Record
	isListResult()
}

type Plain struct {
	Data []localstore.Record
}

type Paginated struct {
	Data       []localstore.Record
	Pagination Pagination
}

func (p Plain) Items() []localstore.Record     { return p.Data }
func (p Paginated) Items() []localstore.Record { return p.Data }
func (Plain) isListResult()                    {}
func (Paginated) isListResult()                {}

func (p Plain) MarshalJSON() ([]byte, error) {
	return json.Marshal(nonNilRecords(p.Data))
}

func (p Paginated) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Data       []localstore.Record `json:"data"`
		Pagination Pagination          `json:"pagination"`
	}{Data: nonNilRecords(p.Data), Pagination: p.Pagination})
}

func withItems(result ListResult, items []localstore.Record) ListResult {
	if paged, ok := result.(Paginated); ok {
		paged.Data = items
		return paged
	}
	return Plain{Data: items}
}

func paginate(records []localstore.Record, page, pageSize int) Paginated {
	if page <= 0 {
		page = 1
	}
	data, total := localstore.Slice(records, page, pageSize)
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return Paginated{
		Data: data,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

func nonNilRecords(records []localstore.Record) []localstore.Record {
	if records == nil {
		return []localstore.Record{}
	}
	return records
}
