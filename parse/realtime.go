package parse

import (
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	proto "google.golang.org/protobuf/proto"

	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
)

var ErrInvalidEntity = errors.New("invalid entity")

// Records bound for one table.
type Batch struct {
	Table   *storage.Table
	Records []model.Record
}

// Entity is one normalized feed entity. The concrete type follows
// the feed message's entity type.
type Entity interface {
	EntityType() model.EntityType
	ID() string

	// Entity record first, then child records.
	Batches() []Batch
}

type VehiclePositionEntity struct {
	Record model.Record
}

func (e *VehiclePositionEntity) EntityType() model.EntityType { return model.EntityVehicle }
func (e *VehiclePositionEntity) ID() string                   { return str(e.Record["entityId"]) }

func (e *VehiclePositionEntity) Batches() []Batch {
	return []Batch{{storage.VehiclePositionsTable, []model.Record{e.Record}}}
}

type TripUpdateEntity struct {
	Record          model.Record
	StopTimeUpdates []model.Record
}

func (e *TripUpdateEntity) EntityType() model.EntityType { return model.EntityTripUpdate }
func (e *TripUpdateEntity) ID() string                   { return str(e.Record["entityId"]) }

func (e *TripUpdateEntity) Batches() []Batch {
	return []Batch{
		{storage.TripUpdatesTable, []model.Record{e.Record}},
		{storage.StopTimeUpdatesTable, e.StopTimeUpdates},
	}
}

type AlertEntity struct {
	Record           model.Record
	ActivePeriods    []model.Record
	InformedEntities []model.Record
	Translations     []model.Record
}

func (e *AlertEntity) EntityType() model.EntityType { return model.EntityAlert }
func (e *AlertEntity) ID() string                   { return str(e.Record["entityId"]) }

func (e *AlertEntity) Batches() []Batch {
	return []Batch{
		{storage.AlertsTable, []model.Record{e.Record}},
		{storage.ActivePeriodsTable, e.ActivePeriods},
		{storage.InformedEntitiesTable, e.InformedEntities},
		{storage.TranslationsTable, e.Translations},
	}
}

// Normalized content of a realtime feed message.
type Realtime struct {
	Message  model.FeedMessage
	Entities []Entity

	// Entities left out, one error each.
	Skipped []error
}

func (rt *Realtime) MessageRecord() model.Record {
	return storage.FeedMessagesTable.Project(model.Record{
		"timestamp":           rt.Message.Timestamp,
		"entityType":          string(rt.Message.EntityType),
		"incrementality":      rt.Message.Incrementality,
		"gtfsRealtimeVersion": rt.Message.GTFSRealtimeVersion,
	})
}

// Batches merges the records of all entities per table, parents
// before children. The feed message record is not included.
func (rt *Realtime) Batches() []Batch {
	batches := []Batch{}
	index := map[*storage.Table]int{}
	for _, e := range rt.Entities {
		for _, b := range e.Batches() {
			i, found := index[b.Table]
			if !found {
				i = len(batches)
				index[b.Table] = i
				batches = append(batches, Batch{Table: b.Table})
			}
			batches[i].Records = append(batches[i].Records, b.Records...)
		}
	}
	return batches
}

// ParseRealtime decodes a feed message holding entities of the given
// type. Entities lacking an id, lacking the expected payload or
// repeating an earlier id are skipped and reported in Skipped.
func ParseRealtime(buf []byte, entityType model.EntityType) (*Realtime, error) {
	f := &gtfsproto.FeedMessage{}
	err := proto.Unmarshal(buf, f)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling protobuf")
	}

	header := f.GetHeader()
	rt := &Realtime{
		Message: model.FeedMessage{
			Timestamp:           time.Unix(int64(header.GetTimestamp()), 0).UTC(),
			EntityType:          entityType,
			Incrementality:      header.GetIncrementality().String(),
			GTFSRealtimeVersion: header.GetGtfsRealtimeVersion(),
		},
		Entities: []Entity{},
	}

	seen := map[string]bool{}
	for i, entity := range f.GetEntity() {
		id := entity.GetId()
		if id == "" {
			rt.Skipped = append(rt.Skipped, errors.Wrapf(ErrInvalidEntity, "entity %d has no id", i))
			continue
		}
		if seen[id] {
			rt.Skipped = append(rt.Skipped, errors.Wrapf(ErrInvalidEntity, "duplicate entity id %s", id))
			continue
		}

		e, err := rt.normalizeEntity(entity)
		if err != nil {
			rt.Skipped = append(rt.Skipped, err)
			continue
		}

		seen[id] = true
		rt.Entities = append(rt.Entities, e)
	}

	return rt, nil
}

// Record holding the entity's parent key.
func (rt *Realtime) keyed(entityID string) model.Record {
	return model.Record{
		"feedMessage_timestamp":  rt.Message.Timestamp,
		"feedMessage_entityType": string(rt.Message.EntityType),
		"entityId":               entityID,
	}
}

// Entities carrying values their columns cannot hold are rejected
// whole, so one bad entity never fails the batch it would join.
func (rt *Realtime) normalizeEntity(entity *gtfsproto.FeedEntity) (Entity, error) {
	e, err := rt.buildEntity(entity)
	if err != nil {
		return nil, err
	}
	for _, b := range e.Batches() {
		for _, r := range b.Records {
			if err := checkColumns(b.Table, r); err != nil {
				return nil, errors.Wrapf(ErrInvalidEntity, "entity %s: %s", entity.GetId(), err)
			}
		}
	}
	return e, nil
}

func (rt *Realtime) buildEntity(entity *gtfsproto.FeedEntity) (Entity, error) {
	id := entity.GetId()

	switch rt.Message.EntityType {
	case model.EntityVehicle:
		if entity.GetVehicle() == nil {
			return nil, errors.Wrapf(ErrInvalidEntity, "entity %s has no vehicle position", id)
		}
		return &VehiclePositionEntity{
			Record: rt.entityRecord(storage.VehiclePositionsTable, entity),
		}, nil

	case model.EntityTripUpdate:
		tu := entity.GetTripUpdate()
		if tu == nil {
			return nil, errors.Wrapf(ErrInvalidEntity, "entity %s has no trip update", id)
		}
		e := &TripUpdateEntity{
			Record:          rt.entityRecord(storage.TripUpdatesTable, entity),
			StopTimeUpdates: []model.Record{},
		}
		for i, stu := range tu.GetStopTimeUpdate() {
			r := rt.keyed(id)
			flatten(stu.ProtoReflect(), "", r)
			r["stopTimeUpdateId"] = int64(i + 1)
			e.StopTimeUpdates = append(e.StopTimeUpdates, rt.child(storage.StopTimeUpdatesTable, r))
		}
		return e, nil

	case model.EntityAlert:
		alert := entity.GetAlert()
		if alert == nil {
			return nil, errors.Wrapf(ErrInvalidEntity, "entity %s has no alert", id)
		}
		e := &AlertEntity{
			Record:           rt.entityRecord(storage.AlertsTable, entity),
			ActivePeriods:    []model.Record{},
			InformedEntities: []model.Record{},
			Translations:     []model.Record{},
		}
		for i, period := range alert.GetActivePeriod() {
			r := rt.keyed(id)
			flatten(period.ProtoReflect(), "", r)
			r["activePeriodId"] = int64(i + 1)
			e.ActivePeriods = append(e.ActivePeriods, rt.child(storage.ActivePeriodsTable, r))
		}
		for i, informed := range alert.GetInformedEntity() {
			r := rt.keyed(id)
			flatten(informed.ProtoReflect(), "", r)
			r["informedEntityId"] = int64(i + 1)
			e.InformedEntities = append(e.InformedEntities, rt.child(storage.InformedEntitiesTable, r))
		}
		e.Translations = rt.translations(id, alert)
		return e, nil
	}

	return nil, errors.Errorf("unsupported entity type %q", rt.Message.EntityType)
}

func (rt *Realtime) entityRecord(table *storage.Table, entity *gtfsproto.FeedEntity) model.Record {
	r := model.Record{}
	flatten(entity.ProtoReflect(), "", r)
	r["entityId"] = r["id"]
	delete(r, "id")
	for k, v := range rt.keyed(entity.GetId()) {
		r[k] = v
	}
	return rt.child(table, r)
}

func (rt *Realtime) child(table *storage.Table, r model.Record) model.Record {
	coerce(table, r)
	return table.Project(r)
}

// One record per translation of every translated string of the
// alert, identified by the string's field name and the
// translation's 1-based position.
func (rt *Realtime) translations(id string, alert *gtfsproto.Alert) []model.Record {
	records := []model.Record{}

	m := alert.ProtoReflect()
	fields := m.Descriptor().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.IsList() || fd.Message() == nil || !m.Has(fd) {
			continue
		}
		ts, ok := m.Get(fd).Message().Interface().(*gtfsproto.TranslatedString)
		if !ok {
			continue
		}
		for j, tr := range ts.GetTranslation() {
			r := rt.keyed(id)
			flatten(tr.ProtoReflect(), "translation_", r)
			r["alert_translatedString"] = string(fd.Name())
			r["translationId"] = int64(j + 1)
			records = append(records, rt.child(storage.TranslationsTable, r))
		}
	}

	return records
}
