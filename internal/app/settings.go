package app

import (
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// Settings is the persisted application state.
type Settings struct {
	Trackers []*tracking.Tracker `json:"trackers"`

	BaseDevice      string   `json:"base_device"`
	OverrideDevices []string `json:"override_devices"`

	Calibration map[string]calibration.Record `json:"calibration"`

	FlipEnabled             bool        `json:"flip_enabled"`
	ExternalFlipEnabled     bool        `json:"external_flip_enabled"`
	ExternalFlipDevice      string      `json:"external_flip_device,omitempty"`
	ExternalFlipCalibration quat.Number `json:"external_flip_calibration"`
	OverrideFlipEnabled     bool        `json:"override_flip_enabled"`

	Frozen              bool `json:"frozen"`
	FreezeLowerBodyOnly bool `json:"freeze_lower_body_only"`

	UseTrackerPairs bool `json:"use_tracker_pairs"`

	CalibrationPoints int                     `json:"calibration_points"`
	CalibrationMode   calibration.CaptureMode `json:"calibration_mode"`
}

// DefaultSettings returns the seven default trackers with the waist active
// and flip enabled.
func DefaultSettings() Settings {
	s := Settings{
		Calibration:             make(map[string]calibration.Record),
		FlipEnabled:             true,
		ExternalFlipCalibration: geom.Identity,
		UseTrackerPairs:         true,
		CalibrationPoints:       3,
		CalibrationMode:         calibration.CaptureCountdown,
	}
	for _, role := range tracking.DefaultRoles {
		s.Trackers = append(s.Trackers, tracking.NewTracker(role))
	}
	s.Trackers[0].Active = true
	return s
}

// Tracker returns the tracker with role, or nil.
func (s *Settings) Tracker(role tracking.TrackerRole) *tracking.Tracker {
	for _, t := range s.Trackers {
		if t.Role == role {
			return t
		}
	}
	return nil
}

// CalibrationFor returns the record for deviceID, or the identity record.
func (s *Settings) CalibrationFor(deviceID string) calibration.Record {
	if r, ok := s.Calibration[deviceID]; ok {
		return r
	}
	return calibration.Identity()
}

// CheckSettings normalizes s in place and returns a description of every
// change it made. With a nil registry the device-dependent rules are
// skipped.
//
// The rules are applied in order:
//   - the seven default trackers exist, first and in fixed order; unknown
//     and duplicate roles are dropped; serials follow roles
//   - filter and orientation selectors are valid; software orientation is
//     only kept for feet on a base that supports it
//   - overrides reference registered override devices
//   - joint indices are in range for the bound device
//   - tracker pairs are synchronized
//   - at least one tracker is active
//   - calibration point count and mode are valid
func CheckSettings(s *Settings, reg *device.Registry) []string {
	var fixes []string
	fix := func(msg string) { fixes = append(fixes, msg) }

	if s.Calibration == nil {
		s.Calibration = make(map[string]calibration.Record)
	}
	if s.ExternalFlipCalibration == (quat.Number{}) {
		s.ExternalFlipCalibration = geom.Identity
	}

	normalizeTrackerList(s, fix)

	var base device.TrackingDevice
	var baseCaps device.Capabilities
	if reg != nil {
		s.BaseDevice = reg.BaseID()
		s.OverrideDevices = reg.OverrideIDs()
		if d, err := reg.ResolveBase(); err == nil {
			base = d
			baseCaps, _ = reg.Capabilities(d.ID())
		}
	}

	for _, t := range s.Trackers {
		if !t.PositionFilter.IsValid() {
			fix(t.Role.String() + ": position filter reset to lerp")
			t.PositionFilter = filter.PositionLerp
		}
		if !t.OrientationFilter.IsValid() {
			fix(t.Role.String() + ": orientation filter reset to slerp")
			t.OrientationFilter = filter.OrientationSlerp
		}
		if !t.OrientationOption.IsValid() ||
			(t.OrientationOption.IsSoftware() && (!t.Role.IsFoot() || (base != nil && !baseCaps.AppOrientationSupported))) {
			if t.OrientationOption != tracking.OrientationDeviceInferred {
				fix(t.Role.String() + ": orientation option reset to device-inferred")
			}
			t.OrientationOption = tracking.OrientationDeviceInferred
		}

		if reg == nil {
			continue
		}
		checkOverride(t, reg, fix)

		if base != nil {
			if n := len(base.Joints()); t.SelectedJoint < 0 || (n > 0 && t.SelectedJoint >= n) {
				fix(t.Role.String() + ": selected joint reset to 0")
				t.SelectedJoint = 0
			}
		}
	}

	if s.UseTrackerPairs {
		syncPairs(s)
	}

	active := false
	for _, t := range s.Trackers {
		active = active || t.Active
	}
	if !active {
		fix("no active trackers, enabling waist")
		s.Tracker(tracking.TrackerWaist).Active = true
	}

	if p := calibration.ClampPoints(s.CalibrationPoints); p != s.CalibrationPoints {
		fix("calibration points clamped")
		s.CalibrationPoints = p
	}
	if !s.CalibrationMode.IsValid() {
		s.CalibrationMode = calibration.CaptureCountdown
	}
	return fixes
}

func normalizeTrackerList(s *Settings, fix func(string)) {
	byRole := make(map[tracking.TrackerRole]*tracking.Tracker, len(s.Trackers))
	var extras []*tracking.Tracker
	for _, t := range s.Trackers {
		if t == nil || !t.Role.IsValid() {
			fix("dropped tracker with unknown role")
			continue
		}
		if _, dup := byRole[t.Role]; dup {
			fix(t.Role.String() + ": dropped duplicate")
			continue
		}
		byRole[t.Role] = t
		if t.Serial != t.Role.Serial() {
			t.Serial = t.Role.Serial()
		}
		extras = append(extras, t)
	}

	list := make([]*tracking.Tracker, 0, len(extras)+len(tracking.DefaultRoles))
	isDefault := make(map[tracking.TrackerRole]bool, len(tracking.DefaultRoles))
	for _, role := range tracking.DefaultRoles {
		isDefault[role] = true
		t, ok := byRole[role]
		if !ok {
			fix(role.String() + ": added missing default tracker")
			t = tracking.NewTracker(role)
		}
		list = append(list, t)
	}
	for _, t := range extras {
		if !isDefault[t.Role] {
			list = append(list, t)
		}
	}
	s.Trackers = list
}

func checkOverride(t *tracking.Tracker, reg *device.Registry, fix func(string)) {
	if t.OverrideGUID == "" {
		if t.IsOverridden() {
			fix(t.Role.String() + ": override flags cleared, no device bound")
			t.IsPositionOverridden = false
			t.IsOrientationOverridden = false
		}
		return
	}
	dev, ok := reg.ResolveOverride(t.OverrideGUID)
	if !ok {
		fix(t.Role.String() + ": override " + t.OverrideGUID + " cleared")
		t.OverrideGUID = ""
		t.OverrideJoint = 0
		t.IsPositionOverridden = false
		t.IsOrientationOverridden = false
		return
	}
	if n := len(dev.Joints()); t.OverrideJoint < 0 || (n > 0 && t.OverrideJoint >= n) {
		fix(t.Role.String() + ": override joint reset to 0")
		t.OverrideJoint = 0
	}
}

// syncPairs copies each left tracker's options to its right counterpart.
func syncPairs(s *Settings) {
	for _, left := range s.Trackers {
		rightRole, ok := tracking.PairOf(left.Role)
		if !ok {
			continue
		}
		right := s.Tracker(rightRole)
		if right == nil {
			continue
		}
		right.Active = left.Active
		right.PositionFilter = left.PositionFilter
		right.OrientationFilter = left.OrientationFilter
		right.OrientationOption = left.OrientationOption
	}
}

// SelectDefaultJoints points every tracker at the joint matching its role on
// d. Trackers whose role has no match keep their selection.
func SelectDefaultJoints(s *Settings, d device.TrackingDevice) {
	joints := d.Joints()
	for _, t := range s.Trackers {
		if i := tracking.FindJoint(joints, t.Role.DefaultJoint()); i >= 0 {
			t.SelectedJoint = i
		}
	}
}
