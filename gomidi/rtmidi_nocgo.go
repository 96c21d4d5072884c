//go:build !cgo

package gomidi

import "gitlab.com/gomidi/midi/v2/drivers"

// Driver always fails: without cgo there is no MIDI driver.
func Driver() (drivers.Driver, error) {
	return nil, ErrNoDriver
}
