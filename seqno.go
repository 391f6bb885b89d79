package cleanerd

// SeqGE reports whether sequence number a is greater than or equal to b
// under modular 64-bit ordering: comparisons use the sign of the 64-bit
// difference, so a sequence number that has wrapped past zero, and whose
// raw value is therefore smaller by more than half the number space,
// compares as greater-than rather than less-than (§3, P8). Valid whenever |a-b| < 2^63, which holds for any two sequence
// numbers a live segment log can actually carry.
func SeqGE(a, b uint64) bool {
	return int64(a-b) >= 0
}

// SeqGT reports whether a is strictly greater than b under the same
// modular ordering as SeqGE.
func SeqGT(a, b uint64) bool {
	return int64(a-b) > 0
}

// SeqLT reports whether a is strictly less than b.
func SeqLT(a, b uint64) bool {
	return int64(a-b) < 0
}
