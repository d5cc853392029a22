package storage

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"gtfs2series.dev/ingest/model"
)

type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Float
	Boolean
	Date
	Interval
	Timestamp
	Point
	LineString
)

type Column struct {
	Name string
	Type ColumnType
}

type ForeignKey struct {
	Columns    []string
	Table      string
	References []string
}

// Declared shape of one output table. Records handed to storage are
// projected onto Columns, in that order.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Project keeps exactly the declared columns of r. Columns missing
// from r are set to nil, undeclared ones are dropped and empty
// strings become nil.
func (t *Table) Project(r model.Record) model.Record {
	out := make(model.Record, len(t.Columns))
	for _, c := range t.Columns {
		v := r[c.Name]
		if s, ok := v.(string); ok && s == "" {
			v = nil
		}
		out[c.Name] = v
	}
	return out
}

// Values of a projected record, in column order.
func (t *Table) Values(r model.Record) []any {
	values := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		values[i] = r[c.Name]
	}
	return values
}

func (t *Table) createStatement(typeName func(ColumnType) string) string {
	pk := map[string]bool{}
	for _, name := range t.PrimaryKey {
		pk[name] = true
	}

	lines := []string{}
	for _, c := range t.Columns {
		line := fmt.Sprintf("    %s %s", pq.QuoteIdentifier(c.Name), typeName(c.Type))
		if pk[c.Name] {
			line += " NOT NULL"
		}
		lines = append(lines, line)
	}
	lines = append(lines, fmt.Sprintf("    PRIMARY KEY (%s)", quoteAll(t.PrimaryKey)))
	for _, fk := range t.ForeignKeys {
		lines = append(lines, fmt.Sprintf(
			"    FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteAll(fk.Columns),
			pq.QuoteIdentifier(fk.Table),
			quoteAll(fk.References),
		))
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n%s\n);",
		pq.QuoteIdentifier(t.Name),
		strings.Join(lines, ",\n"),
	)
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

func cols(t ColumnType, names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Name: n, Type: t}
	}
	return out
}

func concat(groups ...[]Column) []Column {
	out := []Column{}
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func feedFK() ForeignKey {
	return ForeignKey{Columns: []string{"feed_id"}, Table: "feeds", References: []string{"feed_id"}}
}

// Schedule tables.

var FeedsTable = &Table{
	Name: "feeds",
	Columns: concat(
		cols(Text, "feed_id", "feed_tag"),
		cols(Timestamp, "feed_last_modified"),
		cols(Text, "feed_transit_system"),
	),
	PrimaryKey: []string{"feed_id"},
}

var AgencyTable = &Table{
	Name: "agency",
	Columns: cols(Text,
		"feed_id", "agency_id", "agency_name", "agency_url", "agency_timezone",
		"agency_lang", "agency_phone", "agency_fare_url", "agency_email",
	),
	PrimaryKey:  []string{"feed_id", "agency_id"},
	ForeignKeys: []ForeignKey{feedFK()},
}

var StopsTable = &Table{
	Name: "stops",
	Columns: concat(
		cols(Text, "feed_id", "stop_id", "stop_code", "stop_name", "stop_desc"),
		cols(Float, "stop_lat", "stop_lon"),
		cols(Point, "stop_point"),
		cols(Text, "zone_id", "stop_url"),
		cols(Integer, "location_type"),
		cols(Text, "parent_station", "stop_timezone"),
		cols(Integer, "wheelchair_boarding"),
		cols(Text, "platform_code"),
	),
	PrimaryKey:  []string{"feed_id", "stop_id"},
	ForeignKeys: []ForeignKey{feedFK()},
}

var ShapesTable = &Table{
	Name: "shapes",
	Columns: concat(
		cols(Text, "feed_id", "shape_id"),
		cols(Float, "shape_pt_lat", "shape_pt_lon"),
		cols(Integer, "shape_pt_sequence"),
		cols(Float, "shape_dist_traveled"),
	),
	PrimaryKey:  []string{"feed_id", "shape_id", "shape_pt_sequence"},
	ForeignKeys: []ForeignKey{feedFK()},
}

var GeoShapesTable = &Table{
	Name: "geoshapes",
	Columns: concat(
		cols(Text, "feed_id", "geoshape_id"),
		cols(LineString, "geoshape"),
	),
	PrimaryKey:  []string{"feed_id", "geoshape_id"},
	ForeignKeys: []ForeignKey{feedFK()},
}

var CalendarTable = &Table{
	Name: "calendar",
	Columns: concat(
		cols(Text, "feed_id", "service_id"),
		cols(Integer, "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"),
		cols(Date, "start_date", "end_date"),
	),
	PrimaryKey:  []string{"feed_id", "service_id"},
	ForeignKeys: []ForeignKey{feedFK()},
}

var CalendarDatesTable = &Table{
	Name: "calendar_dates",
	Columns: concat(
		cols(Text, "feed_id", "service_id"),
		cols(Date, "date"),
		cols(Integer, "exception_type"),
	),
	PrimaryKey:  []string{"feed_id", "service_id", "date"},
	ForeignKeys: []ForeignKey{feedFK()},
}

var RoutesTable = &Table{
	Name: "routes",
	Columns: concat(
		cols(Text, "feed_id", "route_id", "agency_id", "route_short_name", "route_long_name", "route_desc"),
		cols(Integer, "route_type"),
		cols(Text, "route_url", "route_color", "route_text_color"),
		cols(Integer, "route_sort_order", "continuous_pickup", "continuous_drop_off"),
		cols(Text, "network_id"),
	),
	PrimaryKey: []string{"feed_id", "route_id"},
	ForeignKeys: []ForeignKey{
		feedFK(),
		{Columns: []string{"feed_id", "agency_id"}, Table: "agency", References: []string{"feed_id", "agency_id"}},
	},
}

var TripsTable = &Table{
	Name: "trips",
	Columns: concat(
		cols(Text, "feed_id", "trip_id", "route_id", "service_id", "geoshape_id", "trip_headsign", "trip_short_name"),
		cols(Integer, "direction_id"),
		cols(Text, "block_id", "shape_id"),
		cols(Integer, "wheelchair_accessible", "bikes_allowed"),
	),
	PrimaryKey: []string{"feed_id", "trip_id"},
	ForeignKeys: []ForeignKey{
		feedFK(),
		{Columns: []string{"feed_id", "route_id"}, Table: "routes", References: []string{"feed_id", "route_id"}},
		{Columns: []string{"feed_id", "geoshape_id"}, Table: "geoshapes", References: []string{"feed_id", "geoshape_id"}},
	},
}

var StopTimesTable = &Table{
	Name: "stop_times",
	Columns: concat(
		cols(Text, "feed_id", "trip_id"),
		cols(Interval, "arrival_time", "departure_time"),
		cols(Text, "stop_id"),
		cols(Integer, "stop_sequence"),
		cols(Text, "stop_headsign"),
		cols(Integer, "pickup_type", "drop_off_type", "continuous_pickup", "continuous_drop_off"),
		cols(Float, "shape_dist_traveled"),
		cols(Integer, "timepoint"),
	),
	PrimaryKey: []string{"feed_id", "trip_id", "stop_sequence"},
	ForeignKeys: []ForeignKey{
		feedFK(),
		{Columns: []string{"feed_id", "trip_id"}, Table: "trips", References: []string{"feed_id", "trip_id"}},
		{Columns: []string{"feed_id", "stop_id"}, Table: "stops", References: []string{"feed_id", "stop_id"}},
	},
}

var FrequenciesTable = &Table{
	Name: "frequencies",
	Columns: concat(
		cols(Text, "feed_id", "trip_id"),
		cols(Interval, "start_time", "end_time"),
		cols(Integer, "headway_secs", "exact_times"),
	),
	PrimaryKey: []string{"feed_id", "trip_id", "start_time"},
	ForeignKeys: []ForeignKey{
		feedFK(),
		{Columns: []string{"feed_id", "trip_id"}, Table: "trips", References: []string{"feed_id", "trip_id"}},
	},
}

var FeedInfoTable = &Table{
	Name: "feed_info",
	Columns: concat(
		cols(Text, "feed_id"),
		cols(Integer, "feed_info_id"),
		cols(Text, "feed_publisher_name", "feed_publisher_url", "feed_lang", "default_lang"),
		cols(Date, "feed_start_date", "feed_end_date"),
		cols(Text, "feed_version", "feed_contact_email", "feed_contact_url"),
	),
	PrimaryKey:  []string{"feed_id", "feed_info_id"},
	ForeignKeys: []ForeignKey{feedFK()},
}

// Realtime tables.

var FeedMessagesTable = &Table{
	Name: "feed_messages",
	Columns: concat(
		cols(Timestamp, "timestamp"),
		cols(Text, "entityType", "incrementality", "gtfsRealtimeVersion"),
	),
	PrimaryKey: []string{"timestamp", "entityType"},
}

var entityKey = []string{"feedMessage_timestamp", "feedMessage_entityType", "entityId"}

func entityColumns() []Column {
	return concat(
		cols(Timestamp, "feedMessage_timestamp"),
		cols(Text, "feedMessage_entityType", "entityId"),
		cols(Boolean, "isDeleted"),
	)
}

func parentColumns() []Column {
	return concat(
		cols(Timestamp, "feedMessage_timestamp"),
		cols(Text, "feedMessage_entityType", "entityId"),
	)
}

func feedMessageFK() ForeignKey {
	return ForeignKey{
		Columns:    []string{"feedMessage_timestamp", "feedMessage_entityType"},
		Table:      "feed_messages",
		References: []string{"timestamp", "entityType"},
	}
}

func entityFK(table string) ForeignKey {
	return ForeignKey{Columns: entityKey, Table: table, References: entityKey}
}

func withKey(extra ...string) []string {
	return append(append([]string{}, entityKey...), extra...)
}

func tripDescriptor(prefix string) []Column {
	return concat(
		cols(Text, prefix+"tripId", prefix+"routeId"),
		cols(Integer, prefix+"directionId"),
		cols(Interval, prefix+"startTime"),
		cols(Date, prefix+"startDate"),
		cols(Text, prefix+"scheduleRelationship"),
	)
}

func vehicleDescriptor(prefix string) []Column {
	return cols(Text, prefix+"id", prefix+"label", prefix+"licensePlate", prefix+"wheelchairAccessible")
}

var VehiclePositionsTable = &Table{
	Name: "vehicle_positions",
	Columns: concat(
		entityColumns(),
		tripDescriptor("vehicle_trip_"),
		vehicleDescriptor("vehicle_vehicle_"),
		cols(Float, "vehicle_position_latitude", "vehicle_position_longitude"),
		cols(Point, "vehicle_position_point"),
		cols(Float, "vehicle_position_bearing", "vehicle_position_odometer", "vehicle_position_speed"),
		cols(Integer, "vehicle_currentStopSequence"),
		cols(Text, "vehicle_stopId", "vehicle_currentStatus"),
		cols(Timestamp, "vehicle_timestamp"),
		cols(Text, "vehicle_congestionLevel", "vehicle_occupancyStatus"),
		cols(Integer, "vehicle_occupancyPercentage"),
	),
	PrimaryKey:  entityKey,
	ForeignKeys: []ForeignKey{feedMessageFK()},
}

var TripUpdatesTable = &Table{
	Name: "trip_updates",
	Columns: concat(
		entityColumns(),
		tripDescriptor("tripUpdate_trip_"),
		vehicleDescriptor("tripUpdate_vehicle_"),
		cols(Timestamp, "tripUpdate_timestamp"),
		cols(Integer, "tripUpdate_delay"),
	),
	PrimaryKey:  entityKey,
	ForeignKeys: []ForeignKey{feedMessageFK()},
}

var StopTimeUpdatesTable = &Table{
	Name: "stop_time_updates",
	Columns: concat(
		parentColumns(),
		cols(Integer, "stopTimeUpdateId", "stopSequence"),
		cols(Text, "stopId"),
		cols(Integer, "arrival_delay"),
		cols(Timestamp, "arrival_time"),
		cols(Integer, "arrival_uncertainty", "departure_delay"),
		cols(Timestamp, "departure_time"),
		cols(Integer, "departure_uncertainty"),
		cols(Text, "departureOccupancyStatus", "scheduleRelationship"),
	),
	PrimaryKey:  withKey("stopTimeUpdateId"),
	ForeignKeys: []ForeignKey{entityFK("trip_updates")},
}

var AlertsTable = &Table{
	Name: "alerts",
	Columns: concat(
		entityColumns(),
		cols(Text, "alert_cause", "alert_effect", "alert_severityLevel"),
	),
	PrimaryKey:  entityKey,
	ForeignKeys: []ForeignKey{feedMessageFK()},
}

var ActivePeriodsTable = &Table{
	Name: "active_periods",
	Columns: concat(
		parentColumns(),
		cols(Integer, "activePeriodId"),
		cols(Timestamp, "start", "end"),
	),
	PrimaryKey:  withKey("activePeriodId"),
	ForeignKeys: []ForeignKey{entityFK("alerts")},
}

var InformedEntitiesTable = &Table{
	Name: "informed_entities",
	Columns: concat(
		parentColumns(),
		cols(Integer, "informedEntityId"),
		cols(Text, "agencyId", "routeId"),
		cols(Integer, "routeType", "directionId"),
		tripDescriptor("trip_"),
		cols(Text, "stopId"),
	),
	PrimaryKey:  withKey("informedEntityId"),
	ForeignKeys: []ForeignKey{entityFK("alerts")},
}

var TranslationsTable = &Table{
	Name: "translations",
	Columns: concat(
		parentColumns(),
		cols(Text, "alert_translatedString"),
		cols(Integer, "translationId"),
		cols(Text, "translation_text", "translation_language"),
	),
	PrimaryKey:  withKey("alert_translatedString", "translationId"),
	ForeignKeys: []ForeignKey{entityFK("alerts")},
}

// Schedule tables, in load order. The feeds table precedes them.
var ScheduleTables = []*Table{
	AgencyTable,
	StopsTable,
	ShapesTable,
	GeoShapesTable,
	CalendarTable,
	CalendarDatesTable,
	RoutesTable,
	TripsTable,
	StopTimesTable,
	FrequenciesTable,
	FeedInfoTable,
}

var RealtimeTables = []*Table{
	FeedMessagesTable,
	VehiclePositionsTable,
	TripUpdatesTable,
	StopTimeUpdatesTable,
	AlertsTable,
	ActivePeriodsTable,
	InformedEntitiesTable,
	TranslationsTable,
}

// Every table, parents before children.
var Tables = append(append([]*Table{FeedsTable}, ScheduleTables...), RealtimeTables...)

var tablesByName = func() map[string]*Table {
	m := map[string]*Table{}
	for _, t := range Tables {
		m[t.Name] = t
	}
	return m
}()

func LookupTable(name string) (*Table, error) {
	t, found := tablesByName[name]
	if !found {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}
