package config

// Config carries every setting the daemon knows about. Command line
// flags override values loaded from the configuration file. Simulation
// and debug are per-instance settings rather than process globals so
// tests can run differently configured drivers side by side.
type Config struct {
	// database sink
	DBType     string
	DBHostname string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// store identity
	StationName string
	SensorName  string

	// meter transport
	MeterType     string
	MeterHostname string
	MeterPort     int
	MeterID       int

	// integration behavior
	MeterInterval float64 // maximum per-tick polling interval, seconds
	ListenPort    int     // UDP bind port, solivia only
	MeterPassive  bool    // solivia: listen only, never send
	DataFields    string  // CSV field description path, generic modbus only

	Simulate bool
	Debug    bool
}
