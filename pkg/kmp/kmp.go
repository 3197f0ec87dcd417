// Package kmp is a Knuth-Morris-Pratt byte search. It is used to find
// markers inside binaries we did not build ourselves, where offsets
// can't be assumed.
package kmp

// IndexOf returns the index of the first occurrence of pattern in
// text, or -1 if it is not present. An empty pattern is never found.
func IndexOf(pattern, text []byte) int {
	if len(pattern) == 0 || len(pattern) > len(text) {
		return -1
	}

	failure := failureFunction(pattern)

	j := 0
	for i := 0; i < len(text); i++ {
		for j > 0 && text[i] != pattern[j] {
			j = failure[j-1]
		}
		if text[i] == pattern[j] {
			j++
		}
		if j == len(pattern) {
			return i - len(pattern) + 1
		}
	}

	return -1
}

// failureFunction computes, for each i, the length of the longest
// proper prefix of pattern[:i+1] that is also a suffix of it.
func failureFunction(pattern []byte) []int {
	failure := make([]int, len(pattern))

	k := 0
	for i := 1; i < len(pattern); i++ {
		for k > 0 && pattern[i] != pattern[k] {
			k = failure[k-1]
		}
		if pattern[i] == pattern[k] {
			k++
		}
		failure[i] = k
	}

	return failure
}
