//go:build cgo

package gomidi

import (
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

func newDriver() (drivers.Driver, error) {
	d, err := rtmididrv.New()
	if err != nil {
		return nil, err
	}
	return d, nil
}
