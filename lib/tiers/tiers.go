// Package tiers defines the criticality tiers that drive backup policy and
// the retention generations assigned to produced datasets.
package tiers

import (
	"github.com/gravitational/trace"
)

// Tier is the criticality classification of a source bucket. It is a closed
// enum: every policy axis of the engine (incremental window length, inventory
// frequency, event notifications) is a function of the tier.
type Tier string

const (
	// Critical buckets get the shortest incremental windows and always
	// receive event notifications.
	Critical Tier = "Critical"
	// LessCritical is the default tier for buckets without a criticality tag.
	LessCritical Tier = "LessCritical"
	// NonCritical buckets are only covered by sweeps, never by the
	// event-driven incremental path.
	NonCritical Tier = "NonCritical"
)

// Tiers lists all tiers in policy order, most critical first.
var Tiers = []Tier{Critical, LessCritical, NonCritical}

// Parse converts a tag value into a Tier. Empty input resolves to the
// default tier, anything else unknown is rejected.
func Parse(s string) (Tier, error) {
	switch s {
	case "":
		return LessCritical, nil
	case string(Critical):
		return Critical, nil
	case string(LessCritical):
		return LessCritical, nil
	case string(NonCritical):
		return NonCritical, nil
	}
	return "", trace.BadParameter("unknown criticality tier %q", s)
}

func (t Tier) String() string { return string(t) }

// InventoryFrequency is the S3 Inventory schedule for a tier.
type InventoryFrequency string

const (
	Daily  InventoryFrequency = "Daily"
	Weekly InventoryFrequency = "Weekly"
)

// Generation is the retention class of a produced dataset, following the
// grandfather-father-son rotation scheme.
type Generation string

const (
	Son         Generation = "son"
	Father      Generation = "father"
	Grandfather Generation = "grandfather"
)

// ParseGeneration validates a generation name. Empty input resolves to Son,
// the default for incrementals.
func ParseGeneration(s string) (Generation, error) {
	switch s {
	case "":
		return Son, nil
	case string(Son):
		return Son, nil
	case string(Father):
		return Father, nil
	case string(Grandfather):
		return Grandfather, nil
	}
	return "", trace.BadParameter("unknown backup generation %q", s)
}

func (g Generation) String() string { return string(g) }

// Policy maps tiers to the three policy axes. A zero WindowHours entry
// disables the incremental path for that tier.
type Policy struct {
	// WindowHours is the incremental window length per tier, in hours.
	// Tiers absent from the map do not participate in incrementals.
	WindowHours map[Tier]int
	// Frequency is the target S3 Inventory frequency per tier.
	Frequency map[Tier]InventoryFrequency
	// Notify is the set of tiers that get event notifications provisioned.
	Notify map[Tier]bool
}

// DefaultPolicy returns the stock deployment policy: 12h windows for
// Critical, 24h for LessCritical, none for NonCritical; daily inventories
// for the two upper tiers, weekly for NonCritical; notifications for
// Critical and LessCritical.
func DefaultPolicy() Policy {
	return Policy{
		WindowHours: map[Tier]int{
			Critical:     12,
			LessCritical: 24,
		},
		Frequency: map[Tier]InventoryFrequency{
			Critical:     Daily,
			LessCritical: Daily,
			NonCritical:  Weekly,
		},
		Notify: map[Tier]bool{
			Critical:     true,
			LessCritical: true,
		},
	}
}

// WindowHoursFor returns the incremental window length for a tier, or
// false if the tier does not participate in incrementals.
func (p Policy) WindowHoursFor(t Tier) (int, bool) {
	h, ok := p.WindowHours[t]
	if !ok || h <= 0 {
		return 0, false
	}
	return h, true
}

// FrequencyFor returns the target inventory frequency for a tier,
// defaulting to Weekly when the policy does not say otherwise.
func (p Policy) FrequencyFor(t Tier) InventoryFrequency {
	if f, ok := p.Frequency[t]; ok {
		return f
	}
	return Weekly
}

// NotifyFor reports whether a tier gets event notifications provisioned.
func (p Policy) NotifyFor(t Tier) bool {
	return p.Notify[t]
}
