package database

// pqString turns "" into NULL so ($1::text IS NULL OR col = $1) skips the
// filter and nullable columns stay NULL.
func pqString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
