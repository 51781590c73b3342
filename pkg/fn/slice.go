package fn

// GroupBy buckets items by key. Each bucket keeps input order.
func GroupBy[T any, K comparable](items []T, key func(T) K) map[K][]T {
	groups := make(map[K][]T)
	for _, it := range items {
		k := key(it)
		groups[k] = append(groups[k], it)
	}
	return groups
}

// Chunk cuts items into consecutive windows of at most size. Windows share
// the backing array but are capped, so appending to one never clobbers the
// next. size <= 0 yields nil.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	windows := make([][]T, 0, (len(items)+size-1)/size)
	for len(items) > size {
		windows = append(windows, items[:size:size])
		items = items[size:]
	}
	return append(windows, items)
}

// FlatMap concatenates f applied to every item.
func FlatMap[T, U any](items []T, f func(T) []U) []U {
	var out []U
	for _, it := range items {
		out = append(out, f(it)...)
	}
	return out
}
