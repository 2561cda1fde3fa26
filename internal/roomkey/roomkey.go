// Package roomkey derives the canonical name of a direct room from its two participants.
package roomkey

import "strings"

// Separator joins the two sorted user ids. User ids are UUIDs and never contain it.
const Separator = ":"

// Resolve returns the same key for (a, b) and (b, a).
func Resolve(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Split returns the two participants encoded in a canonical name, in sorted order.
func Split(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}
