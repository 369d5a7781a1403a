package utils

// RemoveSliceElementInPlace removes every occurrence of value, reusing the
// slice's backing array.
func RemoveSliceElementInPlace[T comparable](slice *[]T, value T) {
	newLen := 0
	for _, v := range *slice {
		if v != value {
			(*slice)[newLen] = v
			newLen++
		}
	}
	*slice = (*slice)[:newLen]
}
