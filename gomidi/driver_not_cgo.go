//go:build !cgo

package gomidi

import "gitlab.com/gomidi/midi/v2/drivers"

// with no cgo, there is no rtmidi
func newDriver() (drivers.Driver, error) { return nil, ErrNoDriver }
