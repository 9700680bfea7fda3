package audio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Device describes an audio input device as reported by the host.
type Device struct {
	Index     int
	Name      string
	Channels  int
	IsDefault bool

	info *portaudio.DeviceInfo
}

// Initialize prepares the audio host layer. It must be called once before
// any capture and balanced with a Terminate call.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio host: %w", err)
	}
	return nil
}

// Terminate releases the audio host layer.
func Terminate() error {
	return portaudio.Terminate()
}

// ListDevices enumerates available input devices.
func ListDevices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio devices: %w", err)
	}

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		// No default device is not fatal for enumeration.
		defaultInput = nil
	}

	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		devices = append(devices, Device{
			Index:     i,
			Name:      info.Name,
			Channels:  info.MaxInputChannels,
			IsDefault: defaultInput != nil && info == defaultInput,
			info:      info,
		})
	}

	return devices, nil
}

// Resolve matches a selector against a device list. The selector is either
// a numeric device index or a case-insensitive substring of a device name.
// ok is false when nothing matched; callers fall back to the default device
// and surface a warning rather than failing.
func Resolve(devices []Device, selector string) (Device, bool) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return Device{}, false
	}

	if index, err := strconv.Atoi(selector); err == nil {
		for _, d := range devices {
			if d.Index == index {
				return d, true
			}
		}
		return Device{}, false
	}

	needle := strings.ToLower(selector)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, true
		}
	}

	return Device{}, false
}

// DefaultDevice returns the system default input device from a device list.
func DefaultDevice(devices []Device) (Device, bool) {
	for _, d := range devices {
		if d.IsDefault {
			return d, true
		}
	}
	if len(devices) > 0 {
		return devices[0], true
	}
	return Device{}, false
}
