package endpoint

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/posebridge/internal/tracking"
)

// Messages are structpb.Struct values. Vectors are [x, y, z] lists and
// quaternions are [w, x, y, z] lists.

func vecValue(v r3.Vec) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
		structpb.NewNumberValue(v.X),
		structpb.NewNumberValue(v.Y),
		structpb.NewNumberValue(v.Z),
	}})
}

func quatValue(q quat.Number) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
		structpb.NewNumberValue(q.Real),
		structpb.NewNumberValue(q.Imag),
		structpb.NewNumberValue(q.Jmag),
		structpb.NewNumberValue(q.Kmag),
	}})
}

func numbers(v *structpb.Value, n int, field string) ([]float64, error) {
	list := v.GetListValue()
	if list == nil || len(list.GetValues()) != n {
		return nil, fmt.Errorf("%s: expected a list of %d numbers", field, n)
	}
	out := make([]float64, n)
	for i, e := range list.GetValues() {
		num, ok := e.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not a number", field, i)
		}
		out[i] = num.NumberValue
	}
	return out, nil
}

func vecField(s *structpb.Struct, field string) (r3.Vec, error) {
	f, err := numbers(s.GetFields()[field], 3, field)
	if err != nil {
		return r3.Vec{}, err
	}
	return r3.Vec{X: f[0], Y: f[1], Z: f[2]}, nil
}

func quatField(s *structpb.Struct, field string) (quat.Number, error) {
	f, err := numbers(s.GetFields()[field], 4, field)
	if err != nil {
		return quat.Number{}, err
	}
	return quat.Number{Real: f[0], Imag: f[1], Jmag: f[2], Kmag: f[3]}, nil
}

func stringField(s *structpb.Struct, field string) string {
	return s.GetFields()[field].GetStringValue()
}

func boolField(s *structpb.Struct, field string) bool {
	return s.GetFields()[field].GetBoolValue()
}

func numberField(s *structpb.Struct, field string) float64 {
	return s.GetFields()[field].GetNumberValue()
}

func poseStruct(p tracking.TrackerPose) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"role":        structpb.NewStringValue(string(p.Role)),
		"serial":      structpb.NewStringValue(p.Serial),
		"active":      structpb.NewBoolValue(p.Active),
		"position":    vecValue(p.Position),
		"orientation": quatValue(p.Orientation),
	}
	if p.Physics != nil {
		fields["physics"] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"velocity":             vecValue(p.Physics.Velocity),
			"acceleration":         vecValue(p.Physics.Acceleration),
			"angular_velocity":     vecValue(p.Physics.AngularVelocity),
			"angular_acceleration": vecValue(p.Physics.AngularAcceleration),
		}})
	}
	return &structpb.Struct{Fields: fields}
}

func parsePose(s *structpb.Struct) (tracking.TrackerPose, error) {
	p := tracking.TrackerPose{
		Role:   tracking.TrackerRole(stringField(s, "role")),
		Serial: stringField(s, "serial"),
		Active: boolField(s, "active"),
	}
	var err error
	if p.Position, err = vecField(s, "position"); err != nil {
		return p, err
	}
	if p.Orientation, err = quatField(s, "orientation"); err != nil {
		return p, err
	}
	if ph := s.GetFields()["physics"].GetStructValue(); ph != nil {
		p.Physics = &tracking.Physics{}
		for field, dst := range map[string]*r3.Vec{
			"velocity":             &p.Physics.Velocity,
			"acceleration":         &p.Physics.Acceleration,
			"angular_velocity":     &p.Physics.AngularVelocity,
			"angular_acceleration": &p.Physics.AngularAcceleration,
		} {
			if *dst, err = vecField(ph, field); err != nil {
				return p, fmt.Errorf("physics: %w", err)
			}
		}
	}
	return p, nil
}

// EncodePoses packs a batch into a request message.
func EncodePoses(poses []tracking.TrackerPose) *structpb.Struct {
	list := make([]*structpb.Value, 0, len(poses))
	for _, p := range poses {
		list = append(list, structpb.NewStructValue(poseStruct(p)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"trackers": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// DecodePoses unpacks a request built by EncodePoses.
func DecodePoses(s *structpb.Struct) ([]tracking.TrackerPose, error) {
	list := s.GetFields()["trackers"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("trackers: missing list")
	}
	out := make([]tracking.TrackerPose, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		ps := v.GetStructValue()
		if ps == nil {
			return nil, fmt.Errorf("trackers[%d]: not an object", i)
		}
		p, err := parsePose(ps)
		if err != nil {
			return nil, fmt.Errorf("trackers[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func statusStruct(code int, message string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"status_code":    structpb.NewNumberValue(float64(code)),
		"status_message": structpb.NewStringValue(message),
	}}
}
