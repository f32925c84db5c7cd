package types

// CanonicalPair sorts two user ids into the deterministic order used as the
// uniqueness key for private chats. Without it, the same pair could produce
// two divergent chat rows depending on who joins first.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
