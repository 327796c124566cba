// powermeterd polls a power meter, aggregates the readings into
// calibrated one-minute buckets and writes them to the measurement
// database.
package main

import (
	"flag"
	"fmt"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AndreasFMueller/PowerMeter/pkg/config"
	"github.com/AndreasFMueller/PowerMeter/pkg/meter"
	"github.com/AndreasFMueller/PowerMeter/pkg/queue"
	"github.com/AndreasFMueller/PowerMeter/pkg/sink"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

const version = "1.2.0"

var (
	configPath    = flag.String("config", "", "configuration file `path`")
	debug         = flag.Bool("debug", false, "enable debug logging")
	dbhostname    = flag.String("dbhostname", "", "database host")
	dbname        = flag.String("dbname", "", "database name")
	dbuser        = flag.String("dbuser", "", "database user")
	dbpassword    = flag.String("dbpassword", "", "database password")
	dbport        = flag.Int("dbport", 0, "database port")
	metertype     = flag.String("metertype", "", "meter type: solivia, ale3 or modbus")
	meterhostname = flag.String("meterhostname", "", "meter host")
	meterport     = flag.Int("meterport", 0, "meter port")
	meterid       = flag.Int("meterid", 0, "meter device id")
	stationname   = flag.String("stationname", "", "station name in the database")
	sensorname    = flag.String("sensorname", "", "sensor name for single sensor meters")
	foreground    = flag.Bool("foreground", false, "log to the terminal instead of syslog")
	simulate      = flag.Bool("simulate", false, "use simulated meter readings")
	showVersion   = flag.Bool("version", false, "show the version and exit")
)

// stall threshold for the supervisor: the producer submits once a
// minute, so two missed minutes indicate a problem
const stallWindow = 2 * time.Minute

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("powermeterd %s\n", version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Errorf("cannot load configuration: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	applyFlags(cfg)

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if !*foreground {
		// process supervision is the service manager's job; detaching
		// here only moves the log stream to syslog
		hook, err := lSyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON,
			"powermeterd")
		if err != nil {
			log.Errorf("cannot connect to syslog: %v", err)
			os.Exit(1)
		}
		log.AddHook(hook)
	}

	if err := cfg.Validate(); err != nil {
		log.Error(err)
		os.Exit(1)
	}

	q := queue.New()

	// the consumer first, so nothing ever sits in the queue unread
	snk, err := sink.New(cfg, q)
	if err != nil {
		log.Errorf("cannot set up database sink: %v", err)
		os.Exit(1)
	}
	snk.Start()

	drv, err := meter.New(cfg, q)
	if err != nil {
		log.Errorf("cannot set up meter: %v", err)
		q.Close()
		snk.Wait()
		os.Exit(1)
	}
	log.Infof("powermeterd %s acquiring from %s meter '%s'",
		version, cfg.MeterType, cfg.MeterHostname)

	go supervise(q)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Infof("%v received, shutting down", s)

	drv.Stop()
	q.Close()
	snk.Wait()
}

// applyFlags copies every flag the user actually set over the file
// configuration, so the command line always wins.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			cfg.Debug = *debug
		case "dbhostname":
			cfg.DBHostname = *dbhostname
		case "dbname":
			cfg.DBName = *dbname
		case "dbuser":
			cfg.DBUser = *dbuser
		case "dbpassword":
			cfg.DBPassword = *dbpassword
		case "dbport":
			cfg.DBPort = *dbport
		case "metertype":
			cfg.MeterType = *metertype
		case "meterhostname":
			cfg.MeterHostname = *meterhostname
		case "meterport":
			cfg.MeterPort = *meterport
		case "meterid":
			cfg.MeterID = *meterid
		case "stationname":
			cfg.StationName = *stationname
		case "sensorname":
			cfg.SensorName = *sensorname
		case "simulate":
			cfg.Simulate = *simulate
		}
	})
}

// supervise watches the queue for producer stalls until shutdown.
func supervise(q *queue.Queue) {
	for {
		if q.Wait(stallWindow) == queue.Closed {
			return
		}
		if idle := time.Since(q.LastSubmit()); idle > stallWindow {
			log.Warnf("no bucket submitted for %v", idle.Round(time.Second))
		}
	}
}
