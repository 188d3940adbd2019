// Package domain defines the entity types mirrored by the EarlyShield dashboard
// sync layer: risk signals, campus zones, aggregate stats, the active user
// projection and notifications. JSON field names follow the backend wire format.
package domain

import (
	"fmt"
	"slices"
)

// RiskLevel classifies how dangerous a signal or zone is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskModerate RiskLevel = "Moderate"
	RiskCritical RiskLevel = "Critical"
	RiskStable   RiskLevel = "Stable"
)

// Valid reports whether r is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskModerate, RiskCritical, RiskStable:
		return true
	}
	return false
}

// SignalStatus is the triage state of a signal.
type SignalStatus string

const (
	StatusOpen          SignalStatus = "Open"
	StatusInvestigating SignalStatus = "Investigating"
	StatusResolved      SignalStatus = "Resolved"
)

// Valid reports whether s is one of the known signal statuses.
func (s SignalStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}

// ZoneCategory groups zones by the team responsible for them.
type ZoneCategory string

const (
	ZoneSafety     ZoneCategory = "Safety"
	ZoneIT         ZoneCategory = "IT"
	ZoneFacilities ZoneCategory = "Facilities"
	ZoneGeneral    ZoneCategory = "General"
)

// Role selects both the UI scope and the active identity.
//
// Admin is the operator persona, Student the reporter and Management the
// oversight viewer. Roles carry no priority; any role may follow any other.
type Role string

const (
	RoleAdmin      Role = "Admin"
	RoleStudent    Role = "Student"
	RoleManagement Role = "Management"
)

// Roles lists every role in declaration order.
var Roles = []Role{RoleAdmin, RoleStudent, RoleManagement}

// Valid reports whether r is one of the three fixed roles.
func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

// ParseRole converts s to a Role, rejecting anything outside the fixed set.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("domain: unknown role %q (want Admin, Student or Management)", s)
	}
	return r, nil
}

// Signal is a single reported risk or incident.
//
// ID and Timestamp are assigned by the server and never change afterwards.
// Location holds a zone display name; it is not enforced as a reference.
type Signal struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Category    string       `json:"category"`
	Location    string       `json:"location"`
	Timestamp   string       `json:"timestamp"`
	RiskLevel   RiskLevel    `json:"riskLevel"`
	Description string       `json:"description"`
	Status      SignalStatus `json:"status"`
}

// SignalDraft is the payload of the reporting flow: a Signal without the
// server-assigned id, timestamp and status.
type SignalDraft struct {
	Title       string    `json:"title" validate:"required"`
	Category    string    `json:"category" validate:"required"`
	Location    string    `json:"location" validate:"required"`
	RiskLevel   RiskLevel `json:"riskLevel" validate:"required,oneof=Low Moderate Critical Stable"`
	Description string    `json:"description" validate:"required"`
}

// Coordinates is a percentage position used for map placement fallback.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Zone is a named campus location with an aggregate risk classification.
// LatLng is [latitude, longitude].
type Zone struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Category    ZoneCategory `json:"category"`
	RiskLevel   RiskLevel    `json:"riskLevel"`
	SignalCount int          `json:"signalCount"`
	Coordinates Coordinates  `json:"coordinates"`
	LatLng      [2]float64   `json:"latLng"`
	Details     string       `json:"details"`
}

// ZonePatch carries the mutable zone fields accepted by the backend.
type ZonePatch struct {
	RiskLevel   *RiskLevel `json:"riskLevel,omitempty" validate:"omitempty,oneof=Low Moderate Critical Stable"`
	SignalCount *int       `json:"signalCount,omitempty" validate:"omitempty,min=0"`
	Details     *string    `json:"details,omitempty"`
}

// Stats holds server-computed aggregate metrics. Trend is ordered oldest
// sample first.
type Stats struct {
	HealthScore   int   `json:"healthScore"`
	ActiveSignals int   `json:"activeSignals"`
	Trend         []int `json:"trend"`
}

// Clone returns a deep copy of s.
func (s Stats) Clone() Stats {
	s.Trend = slices.Clone(s.Trend)
	return s
}

// Equal reports whether s and o hold the same values.
func (s Stats) Equal(o Stats) bool {
	return s.HealthScore == o.HealthScore &&
		s.ActiveSignals == o.ActiveSignals &&
		slices.Equal(s.Trend, o.Trend)
}

// User is the active-identity projection for one role.
type User struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	Avatar     string `json:"avatar"`
	Email      string `json:"email"`
	Department string `json:"department"`
	IDString   string `json:"idString"`
}

// UserPatch carries the user fields the backend allows to change. Nil fields
// are omitted from the request.
type UserPatch struct {
	Name       *string `json:"name,omitempty" validate:"omitempty,min=1"`
	Email      *string `json:"email,omitempty" validate:"omitempty,email"`
	Department *string `json:"department,omitempty" validate:"omitempty,min=1"`
}

// Empty reports whether p changes nothing.
func (p UserPatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Department == nil
}

// Notification is a dashboard notice. Time is a relative label such as
// "Just now".
type Notification struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Time  string `json:"time"`
	Read  bool   `json:"read"`
}
