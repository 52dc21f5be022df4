package controller

import (
	"fmt"
	"strconv"
	"strings"
)

// Scene ranges per room type: kitchens, living rooms, bedrooms, bathrooms.
var sceneRanges = [][2]int{
	{1, 30},
	{201, 230},
	{301, 330},
	{401, 430},
}

// SceneNames returns every scene the engine ships, in order.
func SceneNames() []string {
	names := make([]string, 0, 120)
	for _, r := range sceneRanges {
		for i := r[0]; i <= r[1]; i++ {
			names = append(names, fmt.Sprintf("FloorPlan%d", i))
		}
	}
	return names
}

// ValidScene reports whether name is in the inventory. A "_physics"
// suffix is accepted.
func ValidScene(name string) bool {
	name = strings.TrimSuffix(name, "_physics")
	num, ok := strings.CutPrefix(name, "FloorPlan")
	if !ok {
		return false
	}
	n, err := strconv.Atoi(num)
	if err != nil || strconv.Itoa(n) != num {
		return false
	}
	for _, r := range sceneRanges {
		if n >= r[0] && n <= r[1] {
			return true
		}
	}
	return false
}
