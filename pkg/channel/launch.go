package channel

import (
	"strconv"
)

// Quality levels understood by the engine's -screen-quality flag.
var qualityLevels = map[string]int{
	"DONOTUSE":              0,
	"Very Low":              1,
	"Low":                   2,
	"Medium":                3,
	"MediumCloseFitShadows": 4,
	"High":                  5,
	"Very High":             6,
	"Ultra":                 7,
	"High WebGL":            8,
}

// DefaultQuality is used when no quality or an unknown one is configured.
const DefaultQuality = "Ultra"

// Screen holds the display settings passed on the command line.
type Screen struct {
	Fullscreen bool
	Quality    string
}

// QualityLevel maps a quality name to its numeric level.
func QualityLevel(name string) int {
	if level, ok := qualityLevels[name]; ok {
		return level
	}
	return qualityLevels[DefaultQuality]
}

// ValidQuality reports whether name is a known quality level.
func ValidQuality(name string) bool {
	_, ok := qualityLevels[name]
	return ok
}

// LaunchCommand returns the argv used to start the engine.
func LaunchCommand(executable string, width, height int, headless bool, screen Screen) []string {
	fullscreen := "0"
	if screen.Fullscreen {
		fullscreen = "1"
	}

	argv := []string{
		executable,
		"-screen-fullscreen", fullscreen,
		"-screen-quality", strconv.Itoa(QualityLevel(screen.Quality)),
		"-screen-width", strconv.Itoa(width),
		"-screen-height", strconv.Itoa(height),
	}
	if headless {
		argv = append(argv, "-batchmode")
	}
	return argv
}
