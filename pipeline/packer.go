package pipeline

// Pack groups items greedily, in order, into batches whose summed size stays within budget.
// An item larger than the budget on its own is placed alone in its own batch.
func Pack[T any](items []T, budget int, size func(T) int) [][]T {
	var (
		batches [][]T
		current []T
		used    int
	)
	for _, it := range items {
		n := size(it)
		if len(current) > 0 && used+n > budget {
			batches = append(batches, current)
			current, used = nil, 0
		}
		current = append(current, it)
		used += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
