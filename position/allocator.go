// Package position computes fractional order keys for siblings sharing one
// parent (lists under a board, cards under a list). Keys are spaced by a
// large fixed gap so that inserts and moves normally touch a single entity;
// when floating-point precision can no longer represent a distinct midpoint
// the caller must rebalance the whole sibling set and retry.
package position

// Gap is the spacing reserved between freshly created sibling keys.
const Gap float64 = 65536

// KeyAtEnd returns the key for appending after the given ascending sibling
// keys. An empty sibling set starts at Gap.
func KeyAtEnd(keys []float64) float64 {
	if len(keys) == 0 {
		return Gap
	}
	return keys[len(keys)-1] + Gap
}

// InsertKey returns the key for inserting a new element at index within the
// ascending sibling keys. ok is false when the midpoint collapsed onto a
// neighbor and the sibling set needs a rebalance first.
func InsertKey(keys []float64, index int) (key float64, ok bool) {
	n := len(keys)
	switch {
	case n == 0:
		return Gap, true
	case index <= 0:
		return frontKey(keys[0]), true
	case index >= n:
		return keys[n-1] + Gap, true
	default:
		key = midpoint(keys[index-1], keys[index])
		return key, key != keys[index-1] && key != keys[index]
	}
}

// MoveKey returns the key for moving an element whose current key is origin
// to index within keys, the ascending keys of all active siblings with the
// moved element still at its old position. Moving an element onto its own
// slot returns origin unchanged. ok is false when a rebalance is required.
//
// For interior slots the midpoint pair depends on the move direction: an
// element coming from the left settles between the destination slot and its
// right neighbor, one coming from the right settles between the left
// neighbor and the destination slot. This keeps equal-looking moves stable.
func MoveKey(keys []float64, origin float64, index int) (key float64, ok bool) {
	n := len(keys)
	if n == 0 {
		return Gap, true
	}
	if index < 0 {
		index = 0
	}
	if index > n-1 {
		index = n - 1
	}
	at := keys[index]
	if origin == at {
		return origin, true
	}
	switch {
	case index == 0:
		return frontKey(keys[0]), true
	case index == n-1:
		return keys[n-1] + Gap, true
	case origin < at:
		key = midpoint(at, keys[index+1])
	default:
		key = midpoint(keys[index-1], at)
	}
	return key, key != keys[index-1] && key != at && key != keys[index+1]
}

// Rebalance returns evenly spaced replacement keys i*Gap for n siblings in
// their current order. The caller persists the whole set in one atomic
// write before retrying the request that collapsed.
func Rebalance(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = float64(i) * Gap
	}
	return keys
}

func midpoint(a, b float64) float64 {
	return (a + b) / 2
}

// frontKey halves the first key. Halving zero cannot yield a distinct
// smaller value, so the key steps below it by a full gap instead; nothing
// requires keys to stay non-negative.
func frontKey(first float64) float64 {
	key := first / 2
	if key == first {
		key = first - Gap
	}
	return key
}
