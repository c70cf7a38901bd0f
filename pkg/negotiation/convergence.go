package negotiation

// convergence scores how close a counter moved the talks: the mean over
// shared numeric terms of 1 − min(1, |new−old| / max(|old|, 1)). Terms that
// are not numeric in both proposals do not move the score.
func convergence(prev, next map[string]interface{}) (float64, bool) {
	var sum float64
	var n int
	for key, prevRaw := range prev {
		prevVal, ok := toFloat(prevRaw)
		if !ok {
			continue
		}
		nextVal, ok := toFloat(next[key])
		if !ok {
			continue
		}
		anchor := prevVal
		if anchor < 0 {
			anchor = -anchor
		}
		if anchor < 1 {
			anchor = 1
		}
		gap := nextVal - prevVal
		if gap < 0 {
			gap = -gap
		}
		rel := gap / anchor
		if rel > 1 {
			rel = 1
		}
		sum += 1 - rel
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// toFloat accepts the numeric shapes JSON decoding and callers produce.
func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

// priceAtomic extracts the price term in atomic units (1 credit = 1000
// atomic units), or 0 when the proposal has no numeric price.
func priceAtomic(proposal map[string]interface{}) int64 {
	price, ok := toFloat(proposal["price"])
	if !ok || price <= 0 {
		return 0
	}
	return int64(price * 1000)
}
