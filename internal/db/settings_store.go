package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
)

var _ app.Store = (*SettingsStore)(nil)

// SettingsStore implements app.Store on the settings tables.
type SettingsStore struct {
	db    *DB
	clock timeutil.Clock
}

// NewSettingsStore returns a store backed by db. A nil clock uses wall time.
func NewSettingsStore(db *DB, clock timeutil.Clock) *SettingsStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SettingsStore{db: db, clock: clock}
}

// Load reads the saved settings. It returns app.ErrNoSettings before the
// first Save.
func (s *SettingsStore) Load(ctx context.Context) (app.Settings, error) {
	out := app.Settings{Calibration: make(map[string]calibration.Record)}

	var (
		flip, extFlip, overrideFlip, frozen, lowerOnly, pairs bool
		ew, ex, ey, ez                                       float64
		mode                                                 string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT flip_enabled, external_flip_enabled, external_flip_device,
			external_flip_w, external_flip_x, external_flip_y, external_flip_z,
			override_flip_enabled, frozen, freeze_lower_body_only,
			use_tracker_pairs, calibration_points, calibration_mode
		FROM settings WHERE id = 1`).Scan(
		&flip, &extFlip, &out.ExternalFlipDevice,
		&ew, &ex, &ey, &ez,
		&overrideFlip, &frozen, &lowerOnly,
		&pairs, &out.CalibrationPoints, &mode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return app.Settings{}, app.ErrNoSettings
	}
	if err != nil {
		return app.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out.FlipEnabled = flip
	out.ExternalFlipEnabled = extFlip
	out.ExternalFlipCalibration = quat.Number{Real: ew, Imag: ex, Jmag: ey, Kmag: ez}
	out.OverrideFlipEnabled = overrideFlip
	out.Frozen = frozen
	out.FreezeLowerBodyOnly = lowerOnly
	out.UseTrackerPairs = pairs
	out.CalibrationMode = calibration.CaptureMode(mode)

	if out.Trackers, err = s.loadTrackers(ctx); err != nil {
		return app.Settings{}, err
	}
	if err := s.loadCalibration(ctx, out.Calibration); err != nil {
		return app.Settings{}, err
	}
	if err := s.loadBindings(ctx, &out); err != nil {
		return app.Settings{}, err
	}
	return out, nil
}

func (s *SettingsStore) loadTrackers(ctx context.Context) ([]*tracking.Tracker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, serial, active,
			position_offset_x, position_offset_y, position_offset_z,
			orientation_offset_x, orientation_offset_y, orientation_offset_z,
			position_overridden, orientation_overridden, override_guid,
			override_joint, selected_joint,
			position_filter, orientation_filter, orientation_option
		FROM trackers ORDER BY ordinal`)
	if err != nil {
		return nil, fmt.Errorf("load trackers: %w", err)
	}
	defer rows.Close()

	var trackers []*tracking.Tracker
	for rows.Next() {
		var (
			role, posFilter, oriFilter, option string
			t                                  tracking.Tracker
		)
		if err := rows.Scan(
			&role, &t.Serial, &t.Active,
			&t.PositionOffset.X, &t.PositionOffset.Y, &t.PositionOffset.Z,
			&t.OrientationOffset.X, &t.OrientationOffset.Y, &t.OrientationOffset.Z,
			&t.IsPositionOverridden, &t.IsOrientationOverridden, &t.OverrideGUID,
			&t.OverrideJoint, &t.SelectedJoint,
			&posFilter, &oriFilter, &option,
		); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		tr := tracking.NewTracker(tracking.TrackerRole(role))
		tr.Serial = t.Serial
		tr.Active = t.Active
		tr.PositionOffset = t.PositionOffset
		tr.OrientationOffset = t.OrientationOffset
		tr.IsPositionOverridden = t.IsPositionOverridden
		tr.IsOrientationOverridden = t.IsOrientationOverridden
		tr.OverrideGUID = t.OverrideGUID
		tr.OverrideJoint = t.OverrideJoint
		tr.SelectedJoint = t.SelectedJoint
		tr.PositionFilter = filter.PositionFilter(posFilter)
		tr.OrientationFilter = filter.OrientationFilter(oriFilter)
		tr.OrientationOption = tracking.OrientationOption(option)
		trackers = append(trackers, tr)
	}
	return trackers, rows.Err()
}

func (s *SettingsStore) loadCalibration(ctx context.Context, into map[string]calibration.Record) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, rotation_w, rotation_x, rotation_y, rotation_z,
			translation_x, translation_y, translation_z,
			origin_x, origin_y, origin_z, calibrated
		FROM calibration_records`)
	if err != nil {
		return fmt.Errorf("load calibration: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			r  calibration.Record
		)
		if err := rows.Scan(&id,
			&r.Rotation.Real, &r.Rotation.Imag, &r.Rotation.Jmag, &r.Rotation.Kmag,
			&r.Translation.X, &r.Translation.Y, &r.Translation.Z,
			&r.Origin.X, &r.Origin.Y, &r.Origin.Z, &r.Calibrated,
		); err != nil {
			return fmt.Errorf("scan calibration: %w", err)
		}
		into[id] = r
	}
	return rows.Err()
}

func (s *SettingsStore) loadBindings(ctx context.Context, out *app.Settings) error {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, is_base FROM device_bindings ORDER BY ordinal`)
	if err != nil {
		return fmt.Errorf("load device bindings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   string
			base bool
		)
		if err := rows.Scan(&id, &base); err != nil {
			return fmt.Errorf("scan device binding: %w", err)
		}
		if base {
			out.BaseDevice = id
		} else {
			out.OverrideDevices = append(out.OverrideDevices, id)
		}
	}
	return rows.Err()
}

// Save replaces the stored settings in one transaction. A calibration
// record that differs from the stored one is also appended to the
// calibration history.
func (s *SettingsStore) Save(ctx context.Context, st app.Settings) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := st.ExternalFlipCalibration
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO settings (id, flip_enabled, external_flip_enabled, external_flip_device,
			external_flip_w, external_flip_x, external_flip_y, external_flip_z,
			override_flip_enabled, frozen, freeze_lower_body_only,
			use_tracker_pairs, calibration_points, calibration_mode, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			flip_enabled = excluded.flip_enabled,
			external_flip_enabled = excluded.external_flip_enabled,
			external_flip_device = excluded.external_flip_device,
			external_flip_w = excluded.external_flip_w,
			external_flip_x = excluded.external_flip_x,
			external_flip_y = excluded.external_flip_y,
			external_flip_z = excluded.external_flip_z,
			override_flip_enabled = excluded.override_flip_enabled,
			frozen = excluded.frozen,
			freeze_lower_body_only = excluded.freeze_lower_body_only,
			use_tracker_pairs = excluded.use_tracker_pairs,
			calibration_points = excluded.calibration_points,
			calibration_mode = excluded.calibration_mode,
			updated_at = CURRENT_TIMESTAMP`,
		st.FlipEnabled, st.ExternalFlipEnabled, st.ExternalFlipDevice,
		q.Real, q.Imag, q.Jmag, q.Kmag,
		st.OverrideFlipEnabled, st.Frozen, st.FreezeLowerBodyOnly,
		st.UseTrackerPairs, st.CalibrationPoints, string(st.CalibrationMode),
	); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	if err = saveTrackers(ctx, tx, st.Trackers); err != nil {
		return err
	}
	if err = s.saveCalibration(ctx, tx, st.Calibration); err != nil {
		return err
	}
	if err = saveBindings(ctx, tx, st.BaseDevice, st.OverrideDevices); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func saveTrackers(ctx context.Context, tx *sql.Tx, trackers []*tracking.Tracker) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM trackers`); err != nil {
		return fmt.Errorf("clear trackers: %w", err)
	}
	for i, t := range trackers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trackers (role, ordinal, serial, active,
				position_offset_x, position_offset_y, position_offset_z,
				orientation_offset_x, orientation_offset_y, orientation_offset_z,
				position_overridden, orientation_overridden, override_guid,
				override_joint, selected_joint,
				position_filter, orientation_filter, orientation_option)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(t.Role), i, t.Serial, t.Active,
			t.PositionOffset.X, t.PositionOffset.Y, t.PositionOffset.Z,
			t.OrientationOffset.X, t.OrientationOffset.Y, t.OrientationOffset.Z,
			t.IsPositionOverridden, t.IsOrientationOverridden, t.OverrideGUID,
			t.OverrideJoint, t.SelectedJoint,
			string(t.PositionFilter), string(t.OrientationFilter), string(t.OrientationOption),
		); err != nil {
			return fmt.Errorf("save tracker %s: %w", t.Role, err)
		}
	}
	return nil
}

func (s *SettingsStore) saveCalibration(ctx context.Context, tx *sql.Tx, records map[string]calibration.Record) error {
	stored := make(map[string]calibration.Record)
	rows, err := tx.QueryContext(ctx, `
		SELECT device_id, rotation_w, rotation_x, rotation_y, rotation_z,
			translation_x, translation_y, translation_z,
			origin_x, origin_y, origin_z, calibrated
		FROM calibration_records`)
	if err != nil {
		return fmt.Errorf("read calibration: %w", err)
	}
	for rows.Next() {
		var (
			id string
			r  calibration.Record
		)
		if err := rows.Scan(&id,
			&r.Rotation.Real, &r.Rotation.Imag, &r.Rotation.Jmag, &r.Rotation.Kmag,
			&r.Translation.X, &r.Translation.Y, &r.Translation.Z,
			&r.Origin.X, &r.Origin.Y, &r.Origin.Z, &r.Calibrated,
		); err != nil {
			rows.Close()
			return fmt.Errorf("scan calibration: %w", err)
		}
		stored[id] = r
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM calibration_records`); err != nil {
		return fmt.Errorf("clear calibration: %w", err)
	}
	now := s.clock.Now().UnixNano()
	for id, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calibration_records (device_id, rotation_w, rotation_x, rotation_y, rotation_z,
				translation_x, translation_y, translation_z,
				origin_x, origin_y, origin_z, calibrated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.Rotation.Real, r.Rotation.Imag, r.Rotation.Jmag, r.Rotation.Kmag,
			r.Translation.X, r.Translation.Y, r.Translation.Z,
			r.Origin.X, r.Origin.Y, r.Origin.Z, r.Calibrated,
		); err != nil {
			return fmt.Errorf("save calibration %s: %w", id, err)
		}

		if prev, ok := stored[id]; (ok && prev == r) || !r.Calibrated {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calibration_history (device_id, rotation_w, rotation_x, rotation_y, rotation_z,
				translation_x, translation_y, translation_z,
				origin_x, origin_y, origin_z, recorded_unix_nanos)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.Rotation.Real, r.Rotation.Imag, r.Rotation.Jmag, r.Rotation.Kmag,
			r.Translation.X, r.Translation.Y, r.Translation.Z,
			r.Origin.X, r.Origin.Y, r.Origin.Z, now,
		); err != nil {
			return fmt.Errorf("record calibration history %s: %w", id, err)
		}
	}
	return nil
}

func saveBindings(ctx context.Context, tx *sql.Tx, base string, overrides []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_bindings`); err != nil {
		return fmt.Errorf("clear device bindings: %w", err)
	}
	ordinal := 0
	insert := func(id string, isBase bool) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device_bindings (device_id, is_base, ordinal) VALUES (?, ?, ?)`,
			id, isBase, ordinal)
		ordinal++
		if err != nil {
			return fmt.Errorf("save device binding %s: %w", id, err)
		}
		return nil
	}
	if base != "" {
		if err := insert(base, true); err != nil {
			return err
		}
	}
	for _, id := range overrides {
		if id == base {
			continue
		}
		if err := insert(id, false); err != nil {
			return err
		}
	}
	return nil
}

// HistoryEntry is one committed calibration.
type HistoryEntry struct {
	DeviceID   string             `json:"device_id"`
	Record     calibration.Record `json:"record"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// CalibrationHistory returns up to limit committed calibrations for
// deviceID, newest first. An empty deviceID returns every device.
func (s *SettingsStore) CalibrationHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, rotation_w, rotation_x, rotation_y, rotation_z,
			translation_x, translation_y, translation_z,
			origin_x, origin_y, origin_z, recorded_unix_nanos
		FROM calibration_history
		WHERE ? = '' OR device_id = ?
		ORDER BY history_id DESC
		LIMIT ?`, deviceID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query calibration history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e     HistoryEntry
			nanos int64
			rot   quat.Number
			tr    r3.Vec
			or    r3.Vec
		)
		if err := rows.Scan(&e.DeviceID,
			&rot.Real, &rot.Imag, &rot.Jmag, &rot.Kmag,
			&tr.X, &tr.Y, &tr.Z,
			&or.X, &or.Y, &or.Z, &nanos,
		); err != nil {
			return nil, fmt.Errorf("scan calibration history: %w", err)
		}
		e.Record = calibration.Record{Rotation: rot, Translation: tr, Origin: or, Calibrated: true}
		e.RecordedAt = time.Unix(0, nanos).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
