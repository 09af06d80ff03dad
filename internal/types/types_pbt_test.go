package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestScanStatusProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	all := []ScanStatus{ScanStatusQueued, ScanStatusRunning, ScanStatusDone, ScanStatusFailed}
	statuses := gen.IntRange(0, len(all)-1).Map(func(i int) ScanStatus { return all[i] })

	properties.Property("terminal states never transition", prop.ForAll(
		func(from, to ScanStatus) bool {
			if from.IsTerminal() {
				return !from.CanTransitionTo(to)
			}
			return true
		},
		statuses,
		statuses,
	))

	properties.Property("nothing re-enters queued", prop.ForAll(
		func(from ScanStatus) bool {
			return !from.CanTransitionTo(ScanStatusQueued)
		},
		statuses,
	))

	properties.TestingRun(t)
}

func TestNormalizeSeverityProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("normalization always yields a known severity", prop.ForAll(
		func(s string) bool {
			sev := NormalizeSeverity(s)
			for _, known := range Severities {
				if sev == known {
					return true
				}
			}
			return false
		},
		gen.AnyString(),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizeSeverity(s)
			return NormalizeSeverity(string(once)) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
