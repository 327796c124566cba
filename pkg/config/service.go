// Package config loads the daemon configuration. The file format is
// line oriented: one `key = value` pair per line, `#` starts a comment,
// blank lines are ignored, whitespace around key and value is trimmed.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrConfig marks any fatal configuration problem: unreadable file,
// unparseable value, missing required key or unknown meter type.
var ErrConfig = errors.New("configuration error")

// MeterTypes lists the accepted values of the metertype key.
var MeterTypes = []string{"solivia", "ale3", "modbus"}

// Default returns a configuration with the documented default values
// filled in.
func Default() *Config {
	return &Config{
		DBType:        "mysql",
		DBHostname:    "localhost",
		DBPort:        3307,
		MeterHostname: "localhost",
		MeterID:       1,
		MeterInterval: 2.0,
	}
}

// Load reads the configuration file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.Merge(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge applies the key=value pairs from the file at path to c.
func (c *Config) Merge(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.Index(line, "=")
		if i < 0 {
			return fmt.Errorf("%w: %s:%d: missing '='", ErrConfig, path, lineno)
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		log.Debugf("config %s = '%s'", key, value)
		if err := c.apply(key, value); err != nil {
			return fmt.Errorf("%w: %s:%d: %v", ErrConfig, path, lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func (c *Config) apply(key, value string) error {
	var err error
	switch key {
	case "dbtype":
		c.DBType = value
	case "dbhostname":
		c.DBHostname = value
	case "dbport":
		c.DBPort, err = strconv.Atoi(value)
	case "dbname":
		c.DBName = value
	case "dbuser":
		c.DBUser = value
	case "dbpassword":
		c.DBPassword = value
	case "stationname":
		c.StationName = value
	case "sensorname":
		c.SensorName = value
	case "metertype":
		c.MeterType = value
	case "meterhostname":
		c.MeterHostname = value
	case "meterport":
		c.MeterPort, err = strconv.Atoi(value)
	case "meterid":
		c.MeterID, err = strconv.Atoi(value)
	case "meterinterval":
		c.MeterInterval, err = strconv.ParseFloat(value, 64)
	case "listenport":
		c.ListenPort, err = strconv.Atoi(value)
	case "meterpassive":
		c.MeterPassive, err = parseBool(value)
	case "datafields":
		c.DataFields = value
	case "simulate":
		c.Simulate, err = parseBool(value)
	case "debug":
		c.Debug, err = parseBool(value)
	default:
		log.Warnf("ignoring unknown configuration key '%s'", key)
	}
	return err
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(value)
}

// Validate checks the required keys and the meter type.
func (c *Config) Validate() error {
	if c.StationName == "" {
		return fmt.Errorf("%w: stationname is required", ErrConfig)
	}
	if c.MeterType == "" {
		return fmt.Errorf("%w: metertype is required", ErrConfig)
	}
	known := false
	for _, t := range MeterTypes {
		if c.MeterType == t {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown meter type: %s", ErrConfig, c.MeterType)
	}
	if c.MeterType == "modbus" && c.DataFields == "" && !c.Simulate {
		return fmt.Errorf("%w: metertype modbus requires datafields", ErrConfig)
	}
	if c.MeterInterval <= 0 {
		return fmt.Errorf("%w: meterinterval must be positive", ErrConfig)
	}
	return nil
}
