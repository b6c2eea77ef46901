package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DisplayConfig selects the SPI bus, control pins and update behavior of
// the ILI9341 panel.
type DisplayConfig struct {
	// SPIPort is the periph.io SPI port name, e.g. "SPI0.0" or
	// "/dev/spidev0.0". Empty selects the first available port.
	SPIPort string `yaml:"spi_port" json:"spi_port"`

	// SPISpeedHz is the write clock for pixel transfers.
	SPISpeedHz int64 `yaml:"spi_speed_hz" json:"spi_speed_hz"`

	// DCPin and ResetPin are GPIO names, e.g. "GPIO24". ResetPin may be
	// empty when the panel reset line is tied high.
	DCPin    string `yaml:"dc_pin" json:"dc_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`

	// Rotation is the frame orientation, 0 to 3 (0 portrait, 1 landscape,
	// 2 portrait flipped, 3 landscape flipped).
	Rotation int `yaml:"rotation" json:"rotation"`

	// RefreshRateHz selects the display refresh mode closest to this rate.
	// 0 keeps the fastest mode.
	RefreshRateHz float64 `yaml:"refresh_rate_hz" json:"refresh_rate_hz"`

	// VSyncSpacing is the number of display refreshes per uploaded frame.
	// -1 drops frames when the bus is busy, 0 disables pacing, n > 0 locks
	// the framerate to refresh_rate/n without tearing.
	VSyncSpacing int `yaml:"vsync_spacing" json:"vsync_spacing"`

	// DiffGap is the number of identical pixels that splits two diff runs.
	DiffGap int `yaml:"diff_gap" json:"diff_gap"`

	// CompareMask restricts which RGB565 bits are compared when diffing.
	// 0 compares exactly.
	CompareMask uint16 `yaml:"compare_mask" json:"compare_mask"`

	// LateStartRatio bounds how far into the refresh period an upload may
	// still start when running late, in [0, 1].
	LateStartRatio float64 `yaml:"late_start_ratio" json:"late_start_ratio"`

	// ResyncBias is the late-start ratio applied to the first paced upload
	// after the raster clock was invalidated.
	ResyncBias float64 `yaml:"resync_bias" json:"resync_bias"`

	// DiffBufferSize is the size in bytes of each diff buffer.
	DiffBufferSize int `yaml:"diff_buffer_size" json:"diff_buffer_size"`

	// TripleBuffering attaches a second internal framebuffer so frames can
	// be queued while an upload is in flight.
	TripleBuffering bool `yaml:"triple_buffering" json:"triple_buffering"`
}

// TouchConfig describes an optional XPT2046 touch controller sharing the
// display SPI bus behind its own chip select.
type TouchConfig struct {
	// SPIPort is the periph.io SPI port of the touch chip select.
	SPIPort string `yaml:"spi_port" json:"spi_port"`

	// IRQPin is the touch interrupt GPIO name. Empty disables interrupt
	// driven reads.
	IRQPin string `yaml:"irq_pin" json:"irq_pin"`

	// Calibration maps raw panel values to screen coordinates. All zero
	// leaves the values raw.
	MinX int `yaml:"min_x" json:"min_x"`
	MaxX int `yaml:"max_x" json:"max_x"`
	MinY int `yaml:"min_y" json:"min_y"`
	MaxY int `yaml:"max_y" json:"max_y"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Display DisplayConfig `yaml:"display" json:"display"`

	// Touch, if non-nil, enables the touch controller.
	Touch *TouchConfig `yaml:"touch,omitempty" json:"touch,omitempty"`

	// StatsCron is a cron-style schedule for dumping transfer statistics to
	// the log, e.g. "*/1 * * * *". Empty disables the dump.
	StatsCron string `yaml:"stats_cron" json:"stats_cron"`

	// TargetFPS paces the demo render loop. 0 renders as fast as the
	// display accepts frames.
	TargetFPS float64 `yaml:"target_fps" json:"target_fps"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Display: DisplayConfig{
			SPIPort:        "",
			SPISpeedHz:     30_000_000,
			DCPin:          "GPIO24",
			ResetPin:       "GPIO25",
			Rotation:       0,
			VSyncSpacing:   2,
			DiffGap:        10,
			LateStartRatio: 0.3,
			DiffBufferSize: 8192,
		},
		StatsCron: "*/1 * * * *",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := &c.Display
	if d.SPISpeedHz <= 0 {
		d.SPISpeedHz = 30_000_000
	}
	if d.DCPin == "" {
		d.DCPin = "GPIO24"
	}
	if d.Rotation < 0 || d.Rotation > 3 {
		d.Rotation = 0
	}
	if d.VSyncSpacing < -1 {
		d.VSyncSpacing = -1
	}
	if d.VSyncSpacing > 10 {
		d.VSyncSpacing = 10
	}
	if d.DiffGap <= 0 {
		d.DiffGap = 10
	}
	if d.LateStartRatio < 0 || d.LateStartRatio > 1 {
		d.LateStartRatio = 0.3
	}
	if d.ResyncBias < 0 || d.ResyncBias > 1 {
		d.ResyncBias = 0
	}
	if d.DiffBufferSize <= 0 {
		d.DiffBufferSize = 8192
	}
	if c.TargetFPS < 0 {
		c.TargetFPS = 0
	}
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written with 0600 perms
// and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create a default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration to path atomically (temp file + rename in
// the same directory) with 0600 permissions, creating the parent directory
// if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tftsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save function:
//
//	cfg, _ := config.Load(path)
//	// ... mutate cfg ...
//	if err := cfg.Save(path); err != nil { ... }
func (c *Config) Save(path string) error {
	return Save(path, c)
}
