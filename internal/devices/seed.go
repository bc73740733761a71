package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/technosupport/ts-devicehub/internal/data"
	"gopkg.in/yaml.v3"
)

// SeedDevice is one entry of the seed inventory file.
type SeedDevice struct {
	DeviceID       string `yaml:"device_id"`
	Name           string `yaml:"name"`
	Protocol       string `yaml:"protocol"`
	IPAddress      string `yaml:"ip_address"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Location       string `yaml:"location"`
	Description    string `yaml:"description"`
	GBDeviceID     string `yaml:"gb_device_id"`
	GBChannelID    string `yaml:"gb_channel_id"`
	GBManufacturer string `yaml:"gb_manufacturer"`
	GBModel        string `yaml:"gb_model"`
	RTSPURL        string `yaml:"rtsp_url"`
}

type seedFile struct {
	Devices []SeedDevice `yaml:"devices"`
}

func (s SeedDevice) device() data.Device {
	return data.Device{
		DeviceID:       s.DeviceID,
		Name:           s.Name,
		Protocol:       data.Protocol(s.Protocol),
		IPAddress:      s.IPAddress,
		Port:           s.Port,
		Username:       s.Username,
		Password:       s.Password,
		Location:       s.Location,
		Description:    s.Description,
		GBDeviceID:     s.GBDeviceID,
		GBChannelID:    s.GBChannelID,
		GBManufacturer: s.GBManufacturer,
		GBModel:        s.GBModel,
		RTSPURL:        s.RTSPURL,
	}
}

// ParseSeed decodes a seed inventory. Unknown keys are rejected.
func ParseSeed(r io.Reader) ([]SeedDevice, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return f.Devices, nil
}

// SeedFile adds every device listed in path. Devices already registered
// are left untouched; invalid entries abort the seed.
func (r *Registry) SeedFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	entries, err := ParseSeed(f)
	if err != nil {
		return 0, err
	}
	return r.Seed(ctx, entries)
}

func (r *Registry) Seed(ctx context.Context, entries []SeedDevice) (int, error) {
	added := 0
	for i, e := range entries {
		if e.DeviceID != "" {
			if _, ok := r.devices.Load(e.DeviceID); ok {
				continue
			}
		}
		if _, err := r.AddDevice(ctx, e.device()); err != nil {
			if errors.Is(err, data.ErrConflict) {
				continue
			}
			return added, fmt.Errorf("seed entry %d (%s): %w", i, e.DeviceID, err)
		}
		added++
	}
	if added > 0 {
		r.log.Info().Int("added", added).Msg("Seed inventory applied")
	}
	return added, nil
}
