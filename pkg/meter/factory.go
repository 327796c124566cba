package meter

import (
	"fmt"
	"time"

	"github.com/AndreasFMueller/PowerMeter/pkg/ale3"
	"github.com/AndreasFMueller/PowerMeter/pkg/config"
	"github.com/AndreasFMueller/PowerMeter/pkg/modbusmeter"
	"github.com/AndreasFMueller/PowerMeter/pkg/queue"
	"github.com/AndreasFMueller/PowerMeter/pkg/solivia"
)

// New builds the driver for the configured meter type and starts it.
// An unknown metertype fails with config.ErrConfig before any
// goroutine runs.
func New(cfg *config.Config, q *queue.Queue) (*Driver, error) {
	var src Source
	var err error
	switch cfg.MeterType {
	case "solivia":
		src, err = solivia.New(cfg)
	case "ale3":
		src, err = ale3.New(cfg)
	case "modbus":
		src, err = modbusmeter.New(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown meter type: %s",
			config.ErrConfig, cfg.MeterType)
	}
	if err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.MeterInterval * float64(time.Second))
	d := NewDriver(src, q, interval)
	d.Start()
	return d, nil
}
