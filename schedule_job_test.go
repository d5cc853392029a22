package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ingest "gtfs2series.dev/ingest"
	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/logging"
	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
	"gtfs2series.dev/ingest/testutil"
)

type recordingMetrics struct {
	mutex    sync.Mutex
	outcomes []string
	rows     map[string]int
}

func (m *recordingMetrics) CycleCompleted(job string, outcome string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.outcomes = append(m.outcomes, job+":"+outcome)
}

func (m *recordingMetrics) RowsWritten(table string, n int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.rows == nil {
		m.rows = map[string]int{}
	}
	m.rows[table] += n
}

type recordingNotifier struct {
	feeds    []model.Feed
	messages []model.FeedMessage
}

func (n *recordingNotifier) FeedIngested(ctx context.Context, feed model.Feed, rows int) error {
	n.feeds = append(n.feeds, feed)
	return nil
}

func (n *recordingNotifier) FeedMessageIngested(ctx context.Context, msg model.FeedMessage, entities int) error {
	n.messages = append(n.messages, msg)
	return nil
}

func fixtureSchedule() map[string][]string {
	return map[string][]string{
		"agency.txt": {
			"agency_id,agency_name,agency_url,agency_timezone",
			"a,Agency,http://a.example,America/New_York",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,One,40.0,-73.0",
			"s2,Two,40.1,-73.1",
		},
		"shapes.txt": {
			"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence",
			"S1,0.0,0.0,1",
			"S1,2.0,20.0,3",
			"S1,1.0,10.0,2",
			"S2,5.0,5.0,1",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"wk,1,1,1,1,1,0,0,20240101,20241231",
		},
		"routes.txt": {
			"route_id,agency_id,route_short_name,route_type",
			"r1,a,1,3",
		},
		"trips.txt": {
			"route_id,service_id,trip_id,shape_id",
			"r1,wk,t1,S1",
			"r1,wk,t2,S2",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"t1,08:00:00,08:00:00,s1,1",
			"t1,08:10:00,08:10:00,s2,2",
		},
	}
}

func newScheduleJob(t *testing.T, server *testutil.MockServer, s storage.Storage) *ingest.ScheduleJob {
	j := ingest.NewScheduleJob(server.URL("/gtfs.zip"), "metro", s)
	j.Downloader = &downloader.HTTP{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	j.Options = downloader.GetOptions{Timeout: 5 * time.Second}
	j.Logger = logging.Discard()
	return j
}

// Job tests run against every storage backend. Postgres requires
// GTFS2SERIES_TEST_POSTGRES to hold a connection string.
func forEachBackend(t *testing.T, test func(t *testing.T, backend string)) {
	for _, backend := range []string{"memory", "sqlite", "postgres"} {
		t.Run(backend, func(t *testing.T) {
			test(t, backend)
		})
	}
}

// Drivers hand back timestamps in their own zones.
func assertTime(t *testing.T, expected time.Time, actual any) {
	ts, ok := actual.(time.Time)
	require.True(t, ok, "%v is no time", actual)
	assert.True(t, expected.Equal(ts), "expected %s, got %s", expected, ts)
}

func count(t *testing.T, s storage.Storage, table string, filter storage.Filter) int {
	n, err := s.Count(context.Background(), table, filter)
	require.NoError(t, err)
	return n
}

func TestScheduleJobIngestsOnlyChangedFeeds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         testutil.BuildZip(t, fixtureSchedule()),
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		metrics := &recordingMetrics{}
		notifier := &recordingNotifier{}
		j := newScheduleJob(t, server, s)
		j.Metrics = metrics
		j.Notifier = notifier

		ctx := context.Background()
		require.NoError(t, j.Poll(ctx))

		feeds, err := s.Select(ctx, "feeds", nil)
		require.NoError(t, err)
		require.Len(t, feeds, 1)
		assert.Equal(t, "2023-12-13T14:15:16", feeds[0]["feed_id"])
		assert.Equal(t, `"v1"`, feeds[0]["feed_tag"])
		assert.Equal(t, "metro", feeds[0]["feed_transit_system"])

		assert.Equal(t, 1, count(t, s, "agency", nil))
		assert.Equal(t, 2, count(t, s, "stops", nil))
		assert.Equal(t, 4, count(t, s, "shapes", nil))
		assert.Equal(t, 1, count(t, s, "calendar", nil))
		assert.Equal(t, 1, count(t, s, "routes", nil))
		assert.Equal(t, 2, count(t, s, "trips", nil))
		assert.Equal(t, 2, count(t, s, "stop_times", nil))

		// Unchanged ETag: no GET, no new rows
		require.NoError(t, j.Poll(ctx))
		assert.Equal(t, []string{"HEAD /gtfs.zip", "GET /gtfs.zip", "HEAD /gtfs.zip"}, server.Requests())
		assert.Equal(t, 1, count(t, s, "feeds", nil))
		assert.Equal(t, 2, count(t, s, "stops", nil))

		assert.Equal(t, []string{"schedule:ingested", "schedule:unchanged"}, metrics.outcomes)
		assert.Equal(t, 2, metrics.rows["stops"])
		assert.Equal(t, 1, metrics.rows["feeds"])
		require.Len(t, notifier.feeds, 1)
		assert.Equal(t, "2023-12-13T14:15:16", notifier.feeds[0].ID)
	})
}

func TestScheduleJobFeedIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		archive := testutil.BuildZip(t, fixtureSchedule())
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         archive,
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		j := newScheduleJob(t, server, s)
		ctx := context.Background()
		require.NoError(t, j.Poll(ctx))

		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         archive,
			ETag:         `"v2"`,
			LastModified: "Thu, 14 Dec 2023 14:15:16 GMT",
		})
		require.NoError(t, j.Poll(ctx))

		assert.Equal(t, 2, count(t, s, "feeds", nil))
		assert.Equal(t, 2, count(t, s, "stops", storage.Filter{"stop_id": "s1"}))
		assert.Equal(t, 1, count(t, s, "stops", storage.Filter{"stop_id": "s1", "feed_id": "2023-12-13T14:15:16"}))
		assert.Equal(t, 1, count(t, s, "stops", storage.Filter{"stop_id": "s1", "feed_id": "2023-12-14T14:15:16"}))
	})
}

func TestScheduleJobGeoShapes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         testutil.BuildZip(t, fixtureSchedule()),
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		ctx := context.Background()
		require.NoError(t, newScheduleJob(t, server, s).Poll(ctx))

		// S2 has a single point and is skipped, the rest of the run
		// completes
		geoshapes, err := s.Select(ctx, "geoshapes", nil)
		require.NoError(t, err)
		require.Len(t, geoshapes, 1)
		assert.Equal(t, "S1", geoshapes[0]["geoshape_id"])
		assert.Equal(t, "LINESTRING(0 0,10 1,20 2)", geoshapes[0]["geoshape"])

		trips, err := s.Select(ctx, "trips", storage.Filter{"trip_id": "t1"})
		require.NoError(t, err)
		require.Len(t, trips, 1)
		assert.Equal(t, "S1", trips[0]["geoshape_id"])

		trips, err = s.Select(ctx, "trips", storage.Filter{"trip_id": "t2"})
		require.NoError(t, err)
		require.Len(t, trips, 1)
		assert.Nil(t, trips[0]["geoshape_id"])
		assert.Equal(t, "S2", trips[0]["shape_id"])

		stops, err := s.Select(ctx, "stops", storage.Filter{"stop_id": "s1"})
		require.NoError(t, err)
		require.Len(t, stops, 1)
		assert.Equal(t, "POINT(-73 40)", stops[0]["stop_point"])
	})
}

func TestScheduleJobBadArchive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         []byte("this is no zip"),
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		j := newScheduleJob(t, server, s)
		ctx := context.Background()

		err := j.Poll(ctx)
		var parseErr *ingest.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, 0, count(t, s, "feeds", nil))

		// The tag wasn't accepted, so the fixed archive gets picked up
		// even though the ETag stayed the same
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         testutil.BuildZip(t, fixtureSchedule()),
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})
		require.NoError(t, j.Poll(ctx))
		assert.Equal(t, 1, count(t, s, "feeds", nil))
		assert.Equal(t, 2, count(t, s, "stops", nil))
	})
}

func TestScheduleJobFetchError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		s := testutil.BuildStorage(t, backend)

		err := newScheduleJob(t, server, s).Poll(context.Background())
		var fetchErr *ingest.FetchError
		require.ErrorAs(t, err, &fetchErr)
		var statusErr *downloader.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, 404, statusErr.Code)
		assert.Equal(t, 0, count(t, s, "feeds", nil))
	})
}

func TestScheduleJobTableFailureIsContained(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		files := fixtureSchedule()
		files["routes.txt"] = []string{
			"route_id,agency_id,route_short_name,route_type",
			"r1,no-such-agency,1,3",
		}

		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         testutil.BuildZip(t, files),
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		require.NoError(t, newScheduleJob(t, server, s).Poll(context.Background()))

		// Routes violate their foreign key, which takes trips and
		// stop_times with them. Everything else loads.
		assert.Equal(t, 1, count(t, s, "feeds", nil))
		assert.Equal(t, 0, count(t, s, "routes", nil))
		assert.Equal(t, 0, count(t, s, "trips", nil))
		assert.Equal(t, 0, count(t, s, "stop_times", nil))
		assert.Equal(t, 2, count(t, s, "stops", nil))
		assert.Equal(t, 1, count(t, s, "calendar", nil))
		assert.Equal(t, 1, count(t, s, "geoshapes", nil))
	})
}

func TestScheduleJobRecoversTag(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         testutil.BuildZip(t, fixtureSchedule()),
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		ctx := context.Background()
		require.NoError(t, newScheduleJob(t, server, s).Poll(ctx))

		// A fresh job on the same storage knows the tag already
		metrics := &recordingMetrics{}
		j := newScheduleJob(t, server, s)
		j.Metrics = metrics
		require.NoError(t, j.Poll(ctx))

		assert.Equal(t, []string{"schedule:unchanged"}, metrics.outcomes)
		assert.Equal(t, []string{"HEAD /gtfs.zip", "GET /gtfs.zip", "HEAD /gtfs.zip"}, server.Requests())
		assert.Equal(t, 1, count(t, s, "feeds", nil))
	})
}

func TestScheduleJobDuplicateFeedID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		archive := testutil.BuildZip(t, fixtureSchedule())
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         archive,
			ETag:         `"v1"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		metrics := &recordingMetrics{}
		j := newScheduleJob(t, server, s)
		j.Metrics = metrics
		ctx := context.Background()
		require.NoError(t, j.Poll(ctx))

		// New ETag, same Last-Modified
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         archive,
			ETag:         `"v1-gzip"`,
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})
		require.NoError(t, j.Poll(ctx))
		require.NoError(t, j.Poll(ctx))

		assert.Equal(t, []string{"schedule:ingested", "schedule:duplicate", "schedule:unchanged"}, metrics.outcomes)
		assert.Equal(t, 1, count(t, s, "feeds", nil))
		assert.Equal(t, 2, count(t, s, "stops", nil))
	})
}

func TestScheduleJobTagFallback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body: testutil.BuildZip(t, fixtureSchedule()),
		})

		s := testutil.BuildStorage(t, backend)
		metrics := &recordingMetrics{}
		j := newScheduleJob(t, server, s)
		j.Metrics = metrics
		ctx := context.Background()

		require.NoError(t, j.Poll(ctx))
		require.NoError(t, j.Poll(ctx))

		// Without freshness headers the body must be fetched to be
		// hashed
		assert.Equal(t, []string{
			"HEAD /gtfs.zip", "GET /gtfs.zip",
			"HEAD /gtfs.zip", "GET /gtfs.zip",
		}, server.Requests())
		assert.Equal(t, []string{"schedule:ingested", "schedule:unchanged"}, metrics.outcomes)

		feeds, err := s.Select(ctx, "feeds", nil)
		require.NoError(t, err)
		require.Len(t, feeds, 1)
		assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, feeds[0]["feed_tag"])
	})
}

func TestScheduleJobLastModifiedAsTag(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		server := testutil.NewMockServer(t)
		server.Set("/gtfs.zip", testutil.MockFile{
			Body:         testutil.BuildZip(t, fixtureSchedule()),
			LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
		})

		s := testutil.BuildStorage(t, backend)
		j := newScheduleJob(t, server, s)
		ctx := context.Background()
		require.NoError(t, j.Poll(ctx))
		require.NoError(t, j.Poll(ctx))

		feeds, err := s.Select(ctx, "feeds", nil)
		require.NoError(t, err)
		require.Len(t, feeds, 1)
		assert.Equal(t, "Wed, 13 Dec 2023 14:15:16 GMT", feeds[0]["feed_tag"])
		assert.Len(t, server.Requests(), 3)
	})
}

func TestScheduleJobRunStopsOnCancel(t *testing.T) {
	server := testutil.NewMockServer(t)
	server.Set("/gtfs.zip", testutil.MockFile{
		Body:         testutil.BuildZip(t, fixtureSchedule()),
		ETag:         `"v1"`,
		LastModified: "Wed, 13 Dec 2023 14:15:16 GMT",
	})

	s := testutil.BuildStorage(t, "memory")
	j := newScheduleJob(t, server, s)
	j.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	// First cycle runs right away
	require.Eventually(t, func() bool {
		n, _ := s.Count(context.Background(), "feeds", nil)
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
