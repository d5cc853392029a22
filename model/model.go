package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Holds all external facing types and constants.

// Layout of a schedule feed identifier. The identifier is the
// Last-Modified instant of the archive, in UTC.
const FeedIDLayout = "2006-01-02T15:04:05"

// Spatial reference of every geometry column.
const SRID = 4326

type EntityType string

const (
	EntityVehicle    EntityType = "vehicle"
	EntityTripUpdate EntityType = "tripUpdate"
	EntityAlert      EntityType = "alert"
)

var EntityTypes = []EntityType{EntityVehicle, EntityTripUpdate, EntityAlert}

func ParseEntityType(s string) (EntityType, error) {
	for _, et := range EntityTypes {
		if string(et) == s {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// One retrieved version of a static schedule.
type Feed struct {
	ID            string
	Tag           string
	LastModified  time.Time
	TransitSystem string
}

func FeedID(lastModified time.Time) string {
	return lastModified.UTC().Format(FeedIDLayout)
}

// One retrieved realtime snapshot, restricted to a single entity
// type.
type FeedMessage struct {
	Timestamp           time.Time
	EntityType          EntityType
	Incrementality      string
	GTFSRealtimeVersion string
}

// A normalized row, keyed by column name. Values are nil, string,
// int64, float64, bool, time.Time, Point or LineString.
type Record map[string]any

type Point struct {
	Lon float64
	Lat float64
}

func (p Point) WKT() string {
	return "POINT(" + formatCoord(p) + ")"
}

// Extended WKT, as accepted by PostGIS geometry input.
func (p Point) EWKT() string {
	return fmt.Sprintf("SRID=%d;%s", SRID, p.WKT())
}

type LineString []Point

func (l LineString) WKT() string {
	coords := make([]string, len(l))
	for i, p := range l {
		coords[i] = formatCoord(p)
	}
	return "LINESTRING(" + strings.Join(coords, ",") + ")"
}

func (l LineString) EWKT() string {
	return fmt.Sprintf("SRID=%d;%s", SRID, l.WKT())
}

func formatCoord(p Point) string {
	return strconv.FormatFloat(p.Lon, 'f', -1, 64) + " " + strconv.FormatFloat(p.Lat, 'f', -1, 64)
}
