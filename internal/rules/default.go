package rules

import (
	_ "embed"
	"sync"
)

// DefaultSource is the file name reported for the embedded catalogue.
const DefaultSource = "catalogue.cue"

//go:embed catalogue.cue
var defaultCatalogue string

var loadDefault = sync.OnceValues(func() (*Base, error) {
	return Parse(DefaultSource, defaultCatalogue)
})

// Default returns the embedded catalogue, compiled once per process.
func Default() (*Base, error) {
	return loadDefault()
}

// MustDefault is like Default but panics on error.
// Use only in tests or when the embedded catalogue is known to be valid.
func MustDefault() *Base {
	b, err := Default()
	if err != nil {
		panic(err)
	}
	return b
}

// DefaultText returns the embedded catalogue source.
func DefaultText() string {
	return defaultCatalogue
}
