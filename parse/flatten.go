package parse

import (
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/reflect/protoreflect"

	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
)

// flatten writes every populated singular field of m into r. Keys
// are JSON field names, nested messages joined by "_". Repeated
// fields are left to the caller.
func flatten(m protoreflect.Message, prefix string, r model.Record) {
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.IsList() || fd.IsMap() || fd.IsExtension() {
			return true
		}

		name := prefix + fd.JSONName()
		switch fd.Kind() {
		case protoreflect.MessageKind, protoreflect.GroupKind:
			flatten(v.Message(), name+"_", r)
		default:
			r[name] = scalar(fd, v)
		}
		return true
	})
}

func scalar(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.EnumKind:
		if ev := fd.Enum().Values().ByNumber(v.Enum()); ev != nil {
			return string(ev.Name())
		}
		return int64(v.Enum())
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return v.Int()
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return int64(v.Uint())
	case protoreflect.FloatKind:
		return shortestFloat32(float32(v.Float()))
	case protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.BytesKind:
		return string(v.Bytes())
	}
	return v.String()
}

// Widens f without picking up float32 rounding noise, so 47.1f
// becomes 47.1 rather than 47.099998474121094.
func shortestFloat32(f float32) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return v
}

// Applies the column types of table to a flattened record: epoch
// seconds become UTC times, and latitude/longitude pairs become
// points.
func coerce(table *storage.Table, r model.Record) {
	for _, c := range table.Columns {
		if c.Type != storage.Timestamp {
			continue
		}
		if secs, ok := r[c.Name].(int64); ok {
			r[c.Name] = time.Unix(secs, 0).UTC()
		}
	}

	if table == storage.VehiclePositionsTable {
		lat, latOK := r["vehicle_position_latitude"].(float64)
		lon, lonOK := r["vehicle_position_longitude"].(float64)
		if latOK && lonOK {
			r["vehicle_position_point"] = model.Point{Lon: lon, Lat: lat}
		}
	}
}

// H+:MM:SS, hours past 24 allowed.
var intervalPattern = regexp.MustCompile(`^[0-9]+:[0-5][0-9]:[0-5][0-9]$`)

// Verifies that string values bound for DATE and INTERVAL columns
// are YYYYMMDD dates and H+:MM:SS durations.
func checkColumns(table *storage.Table, r model.Record) error {
	for _, c := range table.Columns {
		v, ok := r[c.Name].(string)
		if !ok {
			continue
		}
		switch c.Type {
		case storage.Date:
			if _, err := time.Parse("20060102", v); err != nil {
				return errors.Errorf("%s %q is not a YYYYMMDD date", c.Name, v)
			}
		case storage.Interval:
			if !intervalPattern.MatchString(v) {
				return errors.Errorf("%s %q is not an H:MM:SS time", c.Name, v)
			}
		}
	}
	return nil
}
