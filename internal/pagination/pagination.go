package pagination

// DefaultLimit and MaxLimit bound page sizes for all list endpoints.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Page is the paginated envelope returned by every list operation.
type Page[T any] struct {
	Data            []T   `json:"data"`
	Page            int   `json:"page"`
	TotalPages      int   `json:"totalPages"`
	TotalItems      int64 `json:"totalItems"`
	ItemsPerPage    int   `json:"itemsPerPage"`
	HasNextPage     bool  `json:"hasNextPage"`
	HasPreviousPage bool  `json:"hasPreviousPage"`
}

// Normalize clamps page/limit to sane values.
func Normalize(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// Offset converts a normalized (page, limit) pair into a query offset.
func Offset(page, limit int) int {
	return (page - 1) * limit
}

// NewPage assembles the envelope from a data slice and the total item count.
func NewPage[T any](data []T, page, limit int, total int64) *Page[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return &Page[T]{
		Data:            data,
		Page:            page,
		TotalPages:      totalPages,
		TotalItems:      total,
		ItemsPerPage:    limit,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1 && total > 0,
	}
}
