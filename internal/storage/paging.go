package storage

// defaultPageTop is the page size applied when a caller passes a
// non-positive top. Both store families use it so a zero-value page means
// "first page" everywhere, never "no rows" in one store and "all rows" in
// the other.
const defaultPageTop = 50

// normalizeTop resolves a requested page size to the one actually applied.
func normalizeTop(top int) int {
	if top <= 0 {
		return defaultPageTop
	}

	return top
}
