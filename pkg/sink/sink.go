// Package sink drains finalized buckets from the queue and appends one
// row per (minute, sensor, field, value) to the relational store. The
// station, sensor and field id maps are loaded once at startup and
// immutable afterwards.
package sink

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/AndreasFMueller/PowerMeter/pkg/config"
	"github.com/AndreasFMueller/PowerMeter/pkg/queue"
	log "github.com/sirupsen/logrus"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// ErrUnknownField means a bucket carried a key whose sensor or field
// name is missing from the store. This is a programmer error and
// terminates the sink.
var ErrUnknownField = errors.New("unknown field")

// Sink owns the consumer goroutine and the store connection.
type Sink struct {
	db            *sql.DB
	stationID     int
	sensors       map[string]int
	fields        map[string]int
	defaultSensor string
	queue         *queue.Queue
	done          chan struct{}
}

// New connects to the store, loads the id maps and returns the sink.
// Start must be called to begin consuming.
func New(cfg *config.Config, q *queue.Queue) (*Sink, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	s := &Sink{
		db:            db,
		sensors:       make(map[string]int),
		fields:        make(map[string]int),
		defaultSensor: cfg.SensorName,
		queue:         q,
		done:          make(chan struct{}),
	}
	if err := s.loadSensors(cfg.StationName); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadFields(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("station %d with %d sensors, %d fields",
		s.stationID, len(s.sensors), len(s.fields))
	return s, nil
}

func open(cfg *config.Config) (*sql.DB, error) {
	var driver, dsn string
	switch cfg.DBType {
	case "", "mysql":
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			cfg.DBUser, cfg.DBPassword, cfg.DBHostname, cfg.DBPort,
			cfg.DBName)
	case "sqlite":
		driver = "sqlite"
		dsn = cfg.DBName
	default:
		return nil, fmt.Errorf("%w: unknown dbtype: %s",
			config.ErrConfig, cfg.DBType)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach store: %w", err)
	}
	return db, nil
}

// loadSensors resolves the station id and all sensors belonging to it.
func (s *Sink) loadSensors(stationName string) error {
	rows, err := s.db.Query(
		"select st.id, se.id, se.name "+
			"from station st, sensor se "+
			"where se.stationid = st.id and st.name = ?", stationName)
	if err != nil {
		return fmt.Errorf("cannot query sensors: %w", err)
	}
	defer rows.Close()
	found := false
	for rows.Next() {
		var stationID, sensorID int
		var sensorName string
		if err := rows.Scan(&stationID, &sensorID, &sensorName); err != nil {
			return fmt.Errorf("cannot scan sensor row: %w", err)
		}
		s.stationID = stationID
		s.sensors[sensorName] = sensorID
		found = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no sensors for station '%s'", stationName)
	}
	return nil
}

// loadFields reads the full field name to id map.
func (s *Sink) loadFields() error {
	rows, err := s.db.Query("select name, id from mfield")
	if err != nil {
		return fmt.Errorf("cannot query fields: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return fmt.Errorf("cannot scan field row: %w", err)
		}
		s.fields[name] = id
	}
	return rows.Err()
}

// Start launches the consumer goroutine.
func (s *Sink) Start() {
	go s.run()
}

// Wait blocks until the consumer goroutine has terminated and the
// store connection is closed.
func (s *Sink) Wait() {
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	defer s.db.Close()
	for {
		b, err := s.queue.Extract()
		if err != nil {
			// queue closed, orderly shutdown
			log.Debugf("sink terminating: %v", err)
			return
		}
		if err := s.store(b); err != nil {
			// deliberate: no retry loop, the supervisor notices
			// the inactivity and the operator restarts
			log.Errorf("cannot store bucket %d: %v", b.When().Unix(), err)
			return
		}
	}
}

// store writes one row per bucket entry.
func (s *Sink) store(b *bucket.Bucket) error {
	stmt, err := s.db.Prepare(
		"insert into sdata(timekey, sensorid, fieldid, value) " +
			"values (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("cannot prepare insert: %w", err)
	}
	defer stmt.Close()

	timekey := b.When().Unix()
	var failure error
	b.Each(func(key string, value float64) {
		if failure != nil {
			return
		}
		sensorID, fieldID, err := s.resolve(key)
		if err != nil {
			failure = err
			return
		}
		if _, err := stmt.Exec(timekey, sensorID, fieldID, value); err != nil {
			failure = fmt.Errorf("insert %s: %w", key, err)
		}
	})
	return failure
}

// resolve maps a bucket key to its sensor and field ids. Keys without a
// dot belong to the single configured sensor.
func (s *Sink) resolve(key string) (sensorID, fieldID int, err error) {
	sensorName, fieldName := bucket.Split(key)
	if sensorName == "" {
		sensorName = s.defaultSensor
	}
	sensorID, ok := s.sensors[sensorName]
	if !ok {
		return 0, 0, fmt.Errorf("%w: sensor '%s' (key '%s')",
			ErrUnknownField, sensorName, key)
	}
	fieldID, ok = s.fields[fieldName]
	if !ok {
		return 0, 0, fmt.Errorf("%w: field '%s' (key '%s')",
			ErrUnknownField, fieldName, key)
	}
	return sensorID, fieldID, nil
}
