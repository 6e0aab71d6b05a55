package board

import "sort"

const (
	positionSpacing = 1.0

	// minPositionGap is the precision floor for fractional ordering keys.
	// Once two adjacent keys in a lane converge below it the lane is
	// renormalized to evenly spaced integers.
	minPositionGap = 1e-6
)

// SortLane orders tasks by position, breaking ties by task id so the order
// stays deterministic even if two keys were ever computed identically.
func SortLane(lane []Task) {
	sort.Slice(lane, func(i, j int) bool {
		if lane[i].Position != lane[j].Position {
			return lane[i].Position < lane[j].Position
		}
		return lane[i].ID < lane[j].ID
	})
}

// AssignInitial returns an append-to-end key: strictly greater than every
// key currently in the lane.
func AssignInitial(lane []Task) float64 {
	if len(lane) == 0 {
		return positionSpacing
	}
	max := lane[0].Position
	for _, task := range lane[1:] {
		if task.Position > max {
			max = task.Position
		}
	}
	return max + positionSpacing
}

// Between returns a key strictly between before and after. A nil before means
// insert at the head, a nil after means insert at the tail, and both nil
// means the lane is empty.
func Between(before, after *float64) float64 {
	switch {
	case before == nil && after == nil:
		return positionSpacing
	case before == nil:
		return *after - positionSpacing
	case after == nil:
		return *before + positionSpacing
	default:
		return (*before + *after) / 2
	}
}

// NeedsRenormalization reports whether successive Between calls have
// exhausted the available precision in a sorted lane.
func NeedsRenormalization(lane []Task) bool {
	for i := 1; i < len(lane); i++ {
		if lane[i].Position-lane[i-1].Position < minPositionGap {
			return true
		}
	}
	return false
}

// Renormalize reassigns evenly spaced keys 1,2,3,... to the lane in its
// current order.
func Renormalize(lane []Task) {
	SortLane(lane)
	for i := range lane {
		lane[i].Position = float64(i+1) * positionSpacing
	}
}
