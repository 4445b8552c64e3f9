package models

import "time"

// Machine status values stored in MachineState.Status.
const (
	StatusRunning     = "running"
	StatusIdle        = "idle"
	StatusMaintenance = "maintenance"
)

// MachineState is the current snapshot of one machine on the floor.
type MachineState struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"` // running | idle | maintenance
	Operator         string     `json:"operator,omitempty"`
	Order            string     `json:"order,omitempty"`
	LastSubmissionAt *time.Time `json:"last_submission_at,omitempty"`
	TodayWaste       float64    `json:"today_waste"`
	TodayDowntime    float64    `json:"today_downtime"` // minutes
	// SubUnitCount > 0 marks a machine group. The displayed running/idle
	// state of a group is derived from live sessions of its sub-units
	// ("<name> - Machine 1".."<name> - Machine N"), not from Status.
	SubUnitCount int `json:"sub_unit_count,omitempty"`
}

// IsGroup reports whether this machine's state is derived from sub-units.
func (m MachineState) IsGroup() bool { return m.SubUnitCount > 0 }

// SubUnitName returns the machine name of sub-unit i (1-based).
func (m MachineState) SubUnitName(i int) string {
	return SubUnitName(m.Name, i)
}

// ValidStatus reports whether s is one of the known status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusRunning, StatusIdle, StatusMaintenance:
		return true
	}
	return false
}
