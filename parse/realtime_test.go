package parse

import (
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
	"gtfs2series.dev/ingest/testutil"
)

func TestParseRealtimeBadPayload(t *testing.T) {
	_, err := ParseRealtime([]byte("definitely not protobuf"), model.EntityVehicle)
	assert.Error(t, err)

	// Header is required
	data, err := proto.MarshalOptions{AllowPartial: true}.Marshal(&gtfsproto.FeedMessage{})
	require.NoError(t, err)
	_, err = ParseRealtime(data, model.EntityVehicle)
	assert.Error(t, err)
}

func TestParseRealtimeHeader(t *testing.T) {
	rt, err := ParseRealtime(testutil.BuildFeedMessage(t, 1702473763), model.EntityAlert)
	require.NoError(t, err)

	assert.Equal(t, time.Unix(1702473763, 0).UTC(), rt.Message.Timestamp)
	assert.Equal(t, model.EntityAlert, rt.Message.EntityType)
	assert.Equal(t, "FULL_DATASET", rt.Message.Incrementality)
	assert.Equal(t, "2.0", rt.Message.GTFSRealtimeVersion)
	assert.Empty(t, rt.Entities)

	r := rt.MessageRecord()
	assert.Equal(t, time.Unix(1702473763, 0).UTC(), r["timestamp"])
	assert.Equal(t, "alert", r["entityType"])
	assert.Equal(t, "FULL_DATASET", r["incrementality"])
	assert.Equal(t, "2.0", r["gtfsRealtimeVersion"])
}

func TestParseRealtimeVehiclePosition(t *testing.T) {
	data := testutil.BuildFeedMessage(t, 1700000000, &gtfsproto.FeedEntity{
		Id: proto.String("v1"),
		Vehicle: &gtfsproto.VehiclePosition{
			Trip: &gtfsproto.TripDescriptor{
				TripId:      proto.String("t1"),
				RouteId:     proto.String("39"),
				DirectionId: proto.Uint32(0),
				StartDate:   proto.String("20231114"),
			},
			Vehicle: &gtfsproto.VehicleDescriptor{
				Id:    proto.String("bus-7"),
				Label: proto.String("7"),
			},
			Position: &gtfsproto.Position{
				Latitude:  proto.Float32(42.35),
				Longitude: proto.Float32(-71.06),
				Bearing:   proto.Float32(90.5),
			},
			CurrentStatus: gtfsproto.VehiclePosition_STOPPED_AT.Enum(),
			Timestamp:     proto.Uint64(1699999990),
			StopId:        proto.String("place-pktrm"),
		},
	})

	rt, err := ParseRealtime(data, model.EntityVehicle)
	require.NoError(t, err)
	require.Len(t, rt.Entities, 1)
	assert.Empty(t, rt.Skipped)

	e, ok := rt.Entities[0].(*VehiclePositionEntity)
	require.True(t, ok)
	assert.Equal(t, "v1", e.ID())
	assert.Equal(t, model.EntityVehicle, e.EntityType())

	r := e.Record
	assert.Len(t, r, len(storage.VehiclePositionsTable.Columns))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), r["feedMessage_timestamp"])
	assert.Equal(t, "vehicle", r["feedMessage_entityType"])
	assert.Equal(t, "v1", r["entityId"])
	assert.Equal(t, "t1", r["vehicle_trip_tripId"])
	assert.Equal(t, "39", r["vehicle_trip_routeId"])
	assert.Equal(t, int64(0), r["vehicle_trip_directionId"])
	assert.Equal(t, "20231114", r["vehicle_trip_startDate"])
	assert.Equal(t, "bus-7", r["vehicle_vehicle_id"])
	assert.Equal(t, 42.35, r["vehicle_position_latitude"])
	assert.Equal(t, -71.06, r["vehicle_position_longitude"])
	assert.Equal(t, 90.5, r["vehicle_position_bearing"])
	assert.Equal(t, model.Point{Lon: -71.06, Lat: 42.35}, r["vehicle_position_point"])
	assert.Equal(t, "STOPPED_AT", r["vehicle_currentStatus"])
	assert.Equal(t, time.Unix(1699999990, 0).UTC(), r["vehicle_timestamp"])
	assert.Equal(t, "place-pktrm", r["vehicle_stopId"])

	// Absent fields are null
	assert.Nil(t, r["vehicle_position_speed"])
	assert.Nil(t, r["vehicle_congestionLevel"])
	assert.Nil(t, r["vehicle_trip_startTime"])

	batches := rt.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, storage.VehiclePositionsTable, batches[0].Table)
}

func TestParseRealtimeVehicleWithoutTimestamp(t *testing.T) {
	data := testutil.BuildFeedMessage(t, 1700000000, &gtfsproto.FeedEntity{
		Id:      proto.String("v1"),
		Vehicle: &gtfsproto.VehiclePosition{},
	})

	rt, err := ParseRealtime(data, model.EntityVehicle)
	require.NoError(t, err)
	require.Len(t, rt.Entities, 1)

	r := rt.Entities[0].(*VehiclePositionEntity).Record
	assert.Nil(t, r["vehicle_timestamp"])
	assert.Nil(t, r["vehicle_position_point"])
}

func TestParseRealtimeTripUpdate(t *testing.T) {
	data := testutil.BuildFeedMessage(t, 1700000000,
		&gtfsproto.FeedEntity{
			Id: proto.String("tu1"),
			TripUpdate: &gtfsproto.TripUpdate{
				Trip: &gtfsproto.TripDescriptor{
					TripId:               proto.String("t1"),
					StartTime:            proto.String("25:10:00"),
					ScheduleRelationship: gtfsproto.TripDescriptor_SCHEDULED.Enum(),
				},
				Delay:     proto.Int32(-30),
				Timestamp: proto.Uint64(1699999999),
				StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
					{
						StopSequence: proto.Uint32(5),
						StopId:       proto.String("a"),
						Arrival: &gtfsproto.TripUpdate_StopTimeEvent{
							Delay: proto.Int32(60),
							Time:  proto.Int64(1700000100),
						},
					},
					{
						StopSequence:         proto.Uint32(6),
						StopId:               proto.String("b"),
						ScheduleRelationship: gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
					},
				},
			},
		},
		&gtfsproto.FeedEntity{
			Id:         proto.String("tu2"),
			TripUpdate: &gtfsproto.TripUpdate{Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t2")}},
		},
	)

	rt, err := ParseRealtime(data, model.EntityTripUpdate)
	require.NoError(t, err)
	require.Len(t, rt.Entities, 2)

	e := rt.Entities[0].(*TripUpdateEntity)
	assert.Equal(t, "t1", e.Record["tripUpdate_trip_tripId"])
	assert.Equal(t, "25:10:00", e.Record["tripUpdate_trip_startTime"])
	assert.Equal(t, "SCHEDULED", e.Record["tripUpdate_trip_scheduleRelationship"])
	assert.Equal(t, int64(-30), e.Record["tripUpdate_delay"])
	assert.Equal(t, time.Unix(1699999999, 0).UTC(), e.Record["tripUpdate_timestamp"])

	require.Len(t, e.StopTimeUpdates, 2)
	first, second := e.StopTimeUpdates[0], e.StopTimeUpdates[1]
	for i, stu := range e.StopTimeUpdates {
		assert.Equal(t, int64(i+1), stu["stopTimeUpdateId"])
		assert.Equal(t, "tu1", stu["entityId"])
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), stu["feedMessage_timestamp"])
		assert.Equal(t, "tripUpdate", stu["feedMessage_entityType"])
	}
	assert.Equal(t, int64(5), first["stopSequence"])
	assert.Equal(t, "a", first["stopId"])
	assert.Equal(t, int64(60), first["arrival_delay"])
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), first["arrival_time"])
	assert.Nil(t, first["departure_time"])
	assert.Equal(t, "SKIPPED", second["scheduleRelationship"])
	assert.Nil(t, second["arrival_time"])

	assert.Empty(t, rt.Entities[1].(*TripUpdateEntity).StopTimeUpdates)

	// Entities first, then children
	batches := rt.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, storage.TripUpdatesTable, batches[0].Table)
	assert.Len(t, batches[0].Records, 2)
	assert.Equal(t, storage.StopTimeUpdatesTable, batches[1].Table)
	assert.Len(t, batches[1].Records, 2)
}

func TestParseRealtimeAlert(t *testing.T) {
	data := testutil.BuildFeedMessage(t, 1700000000, &gtfsproto.FeedEntity{
		Id: proto.String("al1"),
		Alert: &gtfsproto.Alert{
			ActivePeriod: []*gtfsproto.TimeRange{
				{Start: proto.Uint64(1700000000), End: proto.Uint64(1700003600)},
				{Start: proto.Uint64(1700086400)},
			},
			InformedEntity: []*gtfsproto.EntitySelector{
				{RouteId: proto.String("39"), RouteType: proto.Int32(3)},
				{StopId: proto.String("s1"), Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t1")}},
			},
			Cause:  gtfsproto.Alert_CONSTRUCTION.Enum(),
			Effect: gtfsproto.Alert_DETOUR.Enum(),
			HeaderText: &gtfsproto.TranslatedString{
				Translation: []*gtfsproto.TranslatedString_Translation{
					{Text: proto.String("Detour"), Language: proto.String("en")},
					{Text: proto.String("Desvío"), Language: proto.String("es")},
				},
			},
			DescriptionText: &gtfsproto.TranslatedString{
				Translation: []*gtfsproto.TranslatedString_Translation{
					{Text: proto.String("Buses detoured via Elm St")},
				},
			},
		},
	})

	rt, err := ParseRealtime(data, model.EntityAlert)
	require.NoError(t, err)
	require.Len(t, rt.Entities, 1)

	e := rt.Entities[0].(*AlertEntity)
	assert.Equal(t, "CONSTRUCTION", e.Record["alert_cause"])
	assert.Equal(t, "DETOUR", e.Record["alert_effect"])
	assert.Nil(t, e.Record["alert_severityLevel"])

	require.Len(t, e.ActivePeriods, 2)
	assert.Equal(t, int64(1), e.ActivePeriods[0]["activePeriodId"])
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), e.ActivePeriods[0]["start"])
	assert.Equal(t, time.Unix(1700003600, 0).UTC(), e.ActivePeriods[0]["end"])
	assert.Equal(t, int64(2), e.ActivePeriods[1]["activePeriodId"])
	assert.Nil(t, e.ActivePeriods[1]["end"])

	require.Len(t, e.InformedEntities, 2)
	assert.Equal(t, "39", e.InformedEntities[0]["routeId"])
	assert.Equal(t, int64(3), e.InformedEntities[0]["routeType"])
	assert.Equal(t, "t1", e.InformedEntities[1]["trip_tripId"])
	assert.Equal(t, "s1", e.InformedEntities[1]["stopId"])

	byKey := map[string]model.Record{}
	for _, tr := range e.Translations {
		byKey[tr["alert_translatedString"].(string)+"/"+tr["translation_text"].(string)] = tr
	}
	require.Len(t, byKey, 3)
	es := byKey["header_text/Desvío"]
	require.NotNil(t, es)
	assert.Equal(t, int64(2), es["translationId"])
	assert.Equal(t, "es", es["translation_language"])
	desc := byKey["description_text/Buses detoured via Elm St"]
	require.NotNil(t, desc)
	assert.Equal(t, int64(1), desc["translationId"])
	assert.Nil(t, desc["translation_language"])

	tables := []*storage.Table{}
	for _, b := range rt.Batches() {
		tables = append(tables, b.Table)
	}
	assert.Equal(t, []*storage.Table{
		storage.AlertsTable,
		storage.ActivePeriodsTable,
		storage.InformedEntitiesTable,
		storage.TranslationsTable,
	}, tables)
}

func TestParseRealtimeSkipsMalformedEntities(t *testing.T) {
	data := testutil.BuildFeedMessage(t, 1700000000,
		// No id
		&gtfsproto.FeedEntity{Id: proto.String(""), Vehicle: &gtfsproto.VehiclePosition{}},
		// Wrong payload for the feed's entity type
		&gtfsproto.FeedEntity{Id: proto.String("a1"), Alert: &gtfsproto.Alert{}},
		&gtfsproto.FeedEntity{Id: proto.String("v1"), Vehicle: &gtfsproto.VehiclePosition{}},
		// Duplicate
		&gtfsproto.FeedEntity{Id: proto.String("v1"), Vehicle: &gtfsproto.VehiclePosition{}},
		&gtfsproto.FeedEntity{Id: proto.String("v2"), Vehicle: &gtfsproto.VehiclePosition{}},
	)

	rt, err := ParseRealtime(data, model.EntityVehicle)
	require.NoError(t, err)

	ids := []string{}
	for _, e := range rt.Entities {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{"v1", "v2"}, ids)

	require.Len(t, rt.Skipped, 3)
	for _, err := range rt.Skipped {
		assert.ErrorIs(t, err, ErrInvalidEntity)
	}
}

func TestParseRealtimeSkipsUntypeableValues(t *testing.T) {
	vehicles := testutil.BuildFeedMessage(t, 1700000000,
		&gtfsproto.FeedEntity{Id: proto.String("v1"), Vehicle: &gtfsproto.VehiclePosition{
			Trip: &gtfsproto.TripDescriptor{
				TripId:    proto.String("t1"),
				StartDate: proto.String("20231114"),
				StartTime: proto.String("25:10:00"),
			},
		}},
		&gtfsproto.FeedEntity{Id: proto.String("v2"), Vehicle: &gtfsproto.VehiclePosition{
			Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t2"), StartDate: proto.String("garbage")},
		}},
		&gtfsproto.FeedEntity{Id: proto.String("v3"), Vehicle: &gtfsproto.VehiclePosition{
			Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t3"), StartTime: proto.String("8am")},
		}},
	)

	rt, err := ParseRealtime(vehicles, model.EntityVehicle)
	require.NoError(t, err)
	require.Len(t, rt.Entities, 1)
	assert.Equal(t, "v1", rt.Entities[0].ID())
	require.Len(t, rt.Skipped, 2)
	for _, err := range rt.Skipped {
		assert.ErrorIs(t, err, ErrInvalidEntity)
	}

	// Bad values in a child record reject the whole alert
	alerts := testutil.BuildFeedMessage(t, 1700000000,
		&gtfsproto.FeedEntity{Id: proto.String("a1"), Alert: &gtfsproto.Alert{
			InformedEntity: []*gtfsproto.EntitySelector{
				{Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t1"), StartDate: proto.String("2023-11-14")}},
			},
		}},
		&gtfsproto.FeedEntity{Id: proto.String("a2"), Alert: &gtfsproto.Alert{
			InformedEntity: []*gtfsproto.EntitySelector{{RouteId: proto.String("39")}},
		}},
	)

	rt, err = ParseRealtime(alerts, model.EntityAlert)
	require.NoError(t, err)
	require.Len(t, rt.Entities, 1)
	assert.Equal(t, "a2", rt.Entities[0].ID())
	require.Len(t, rt.Skipped, 1)
	assert.ErrorIs(t, rt.Skipped[0], ErrInvalidEntity)
}

func TestCheckColumns(t *testing.T) {
	for _, tc := range []struct {
		date, time string
		ok         bool
	}{
		{"20240229", "00:00:00", true},
		{"20240101", "123:59:59", true},
		{"20230229", "00:00:00", false},
		{"2024011", "00:00:00", false},
		{"20240101", "7:60:00", false},
		{"20240101", "07:00", false},
	} {
		err := checkColumns(storage.InformedEntitiesTable, model.Record{
			"trip_startDate": tc.date,
			"trip_startTime": tc.time,
		})
		if tc.ok {
			assert.NoError(t, err, "%s %s", tc.date, tc.time)
		} else {
			assert.Error(t, err, "%s %s", tc.date, tc.time)
		}
	}
}

func TestShortestFloat32(t *testing.T) {
	assert.Equal(t, 47.1, shortestFloat32(47.1))
	assert.Equal(t, -122.3321, shortestFloat32(-122.3321))
	assert.Equal(t, 0.0, shortestFloat32(0))
}
