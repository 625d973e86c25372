// Package rules holds the decision catalogue: trigger and action rules for
// flow design, classification rules for error diagnosis, simplification
// heuristics, the escalation policy and the UNKNOWN fallback.
//
// The catalogue is written in CUE (see catalogue.cue, embedded as the
// default) and compiled once into an immutable Base. Optional when.expr
// guards are CEL expressions type-checked at load time.
//
// Matching is deterministic: Match returns every applicable rule ordered by
// weight descending, then rule ID ascending, and never invents a default.
package rules
