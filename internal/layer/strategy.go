package layer

import (
	"fmt"
	"sort"
	"strings"
)

type StrategyType string

const (
	// Jump straight to the ideal resolution, minimizing total bytes fetched
	StrategyMinNetworkTraffic StrategyType = "MIN_NETWORK_TRAFFIC"

	// One level per frame, bounding burst bandwidth at the cost of visible steps
	StrategyProgressive StrategyType = "PROGRESSIVE"

	// Halve the remaining distance to the ideal resolution each frame
	StrategyDichotomy StrategyType = "DICHOTOMY"

	// Snap down to the nearest configured group level
	StrategyGroup StrategyType = "GROUP"
)

func ParseStrategyType(value string) (StrategyType, error) {
	switch StrategyType(strings.ToUpper(strings.TrimSpace(value))) {
	case StrategyMinNetworkTraffic:
		return StrategyMinNetworkTraffic, nil
	case StrategyProgressive:
		return StrategyProgressive, nil
	case StrategyDichotomy:
		return StrategyDichotomy, nil
	case StrategyGroup:
		return StrategyGroup, nil
	}
	return "", fmt.Errorf("layer: unknown update strategy %q", value)
}

type Strategy struct {
	Type StrategyType

	// Group levels for StrategyGroup, ascending order not required
	Groups []int
}

// Decides the zoom/resolution level to request this frame given the level
// currently displayed and the ideal level the view asks for. The returned
// level always moves towards target and never overshoots it.
func (s Strategy) NextLevel(current, target int) int {
	if target <= current {
		return target
	}
	switch s.Type {
	case StrategyProgressive:
		return current + 1
	case StrategyDichotomy:
		// ceil of the midpoint, strictly between current and target when the
		// gap is larger than one level
		return current + (target-current+1)/2
	case StrategyGroup:
		return s.snapToGroup(target)
	default:
		return target
	}
}

// Returns the largest configured group level not exceeding target, or the
// smallest group when target sits below every group. Without groups the
// strategy degenerates to a straight jump.
func (s Strategy) snapToGroup(target int) int {
	if len(s.Groups) == 0 {
		return target
	}
	groups := append([]int(nil), s.Groups...)
	sort.Ints(groups)
	chosen := groups[0]
	for _, g := range groups {
		if g > target {
			break
		}
		chosen = g
	}
	return chosen
}
