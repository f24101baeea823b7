// Package portaudio implements [audio.Capture] and [audio.Sink] on the
// PortAudio library via github.com/gordonklaus/portaudio.
//
// Capture uses a callback stream: PortAudio calls back on its own thread with
// a float32 buffer, the block is copied and handed to a single delivery
// goroutine through a one-slot channel. A block that arrives while the
// previous one is still being consumed is dropped. The sink uses a blocking
// int16 output stream.
//
// Every Open or NewSink pairs a portaudio.Initialize with a Terminate on
// Close, so the library is only initialised while a device is held.
package portaudio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultBlockSize is the number of frames per capture callback.
const DefaultBlockSize = 4096

// permissionErrors are PortAudio codes that mean the input device is missing,
// busy or denied by the host.
var permissionErrors = []portaudio.Error{
	portaudio.NoDefaultInputDevice,
	portaudio.InvalidDevice,
	portaudio.DeviceUnavailable,
	portaudio.InvalidChannelCount,
}

// IsPermissionError reports whether err is a PortAudio failure that means
// the input device cannot be used.
func IsPermissionError(err error) bool {
	var pe portaudio.Error
	if errors.As(err, &pe) {
		for _, code := range permissionErrors {
			if pe == code {
				return true
			}
		}
		return false
	}
	var he portaudio.UnanticipatedHostError
	return errors.As(err, &he)
}

// wrapOpen classifies a failure to acquire the input device.
func wrapOpen(op string, err error) error {
	if IsPermissionError(err) {
		return fmt.Errorf("portaudio: %s: %w: %w", op, audio.ErrPermission, err)
	}
	return fmt.Errorf("portaudio: %s: %w", op, err)
}

// findDevice returns the device named name, or nil for the default device
// when name is empty. Matching is case-insensitive on the full name first,
// then on a substring.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	return matchDevice(devices, name, input)
}

func matchDevice(devices []*portaudio.DeviceInfo, name string, input bool) (*portaudio.DeviceInfo, error) {
	usable := func(d *portaudio.DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}
	var partial *portaudio.DeviceInfo
	for _, d := range devices {
		if d == nil || !usable(d) {
			continue
		}
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
		if partial == nil && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			partial = d
		}
	}
	if partial != nil {
		return partial, nil
	}
	return nil, fmt.Errorf("device %q not found: %w", name, portaudio.InvalidDevice)
}
