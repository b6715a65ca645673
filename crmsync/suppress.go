package crmsync

import "strings"

// checkoutURLMarkers are the substrings that identify a payment link
// field value as a checkout URL rather than an error message
var checkoutURLMarkers = []string{
	"/subscription/",
	"/billing/",
	"checkout",
	"stripe.com",
}

// isCheckoutLikeURL reports whether the field value looks like a live
// checkout link
func isCheckoutLikeURL(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return false
	}
	for _, marker := range checkoutURLMarkers {
		if strings.Contains(v, marker) {
			return true
		}
	}
	return false
}

// shouldWriteField decides whether a new payment link field value is
// worth persisting. Identical values never rewrite. An error message
// never replaces a live checkout URL. Two checkout URLs are considered
// equivalent unless the fingerprint says the stored one is stale.
func shouldWriteField(current, next string, stale bool) bool {
	if current == next {
		return false
	}
	currentIsURL := isCheckoutLikeURL(current)
	nextIsURL := isCheckoutLikeURL(next)
	if currentIsURL && !nextIsURL {
		return false
	}
	if currentIsURL && nextIsURL && !stale {
		return false
	}
	return true
}
