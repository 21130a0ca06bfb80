package util

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps (page-1)*size far from overflow.
	MaxPage = 100000
)

// ClampPage bounds a 1-based page to [1, MaxPage].
func ClampPage(page int) int {
	switch {
	case page < 1:
		return 1
	case page > MaxPage:
		return MaxPage
	}
	return page
}

// Calculate turns a 1-based page and page size into an offset and limit.
func Calculate(page, size int) (from, limit int) {
	page = ClampPage(page)
	if size <= 0 || size > MaxPageSize {
		size = DefaultPageSize
	}
	from = (page - 1) * size
	return from, size
}

func Pages(total int64, size int) int64 {
	if size <= 0 {
		return 0
	}
	return (total + int64(size) - 1) / int64(size)
}
