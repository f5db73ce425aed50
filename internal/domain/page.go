package domain

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// NewPage validates a page request.
func NewPage(number, size int) (Page, error) {
	if number < 1 {
		return Page{}, &ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if size < 1 || size > MaxPageSize {
		return Page{}, &ValidationError{Field: "size", Reason: "must be between 1 and 100"}
	}
	return Page{Number: number, Size: size}, nil
}

// Offset is the number of rows skipped before this page starts.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// Limit is the maximum number of rows on this page.
func (p Page) Limit() int { return p.Size }

// TotalPages returns ceil(totalItems / size).
func (p Page) TotalPages(totalItems int) int {
	if p.Size <= 0 {
		return 0
	}
	return (totalItems + p.Size - 1) / p.Size
}
