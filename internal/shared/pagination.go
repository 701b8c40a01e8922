package shared

import "math"

// DefaultPageSize applies when a listing request omits the size parameter.
const DefaultPageSize = 20

// Pagination contains metadata for paginated listings. Pages are 1-indexed.
type Pagination struct {
	Page          int
	Size          int
	TotalElements int64
	TotalPages    int
}

// NewPagination computes pagination metadata from a 1-indexed page request.
func NewPagination(page, size int, total int64) Pagination {
	if size <= 0 {
		size = DefaultPageSize
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(size)))
	return Pagination{Page: page, Size: size, TotalElements: total, TotalPages: totalPages}
}

// Offset returns the row offset for the requested page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Size
}
