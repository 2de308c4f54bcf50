package util

// Truncate shortens s to at most maxLen bytes, marking the cut with "...".
// Cuts never split a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:runeStart(s, maxLen)]
	}
	return s[:runeStart(s, maxLen-3)] + "..."
}

// runeStart backs i up to the start of the UTF-8 sequence containing it
func runeStart(s string, i int) int {
	for i > 0 && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}
