package polysynth

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the startup configuration of a synthesizer instance. It is
// consumed once, before the engine is constructed; changing it requires
// constructing a new engine.
type Config struct {
	SampleRate int  `yaml:"samplerate"`
	BufferSize int  `yaml:"buffersize"` // frames per block
	OscilSize  int  `yaml:"oscilsize"`  // size of generated wavetables
	SwapLR     bool `yaml:"swaplr"`

	// QueueSize is the capacity of each direction of the message bridge, in
	// bytes.
	QueueSize int `yaml:"queuesize"`
	// MaxEventsPerBlock bounds how many inbound messages the engine applies
	// at the start of a block.
	MaxEventsPerBlock int `yaml:"maxeventsperblock"`
	// PoolBlocks is the number of real-time memory blocks reserved up front;
	// PoolCapacity the number of blocks the pool can ever hold and
	// PoolWatermark the level below which the engine asks for more.
	PoolBlocks    int `yaml:"poolblocks"`
	PoolCapacity  int `yaml:"poolcapacity"`
	PoolWatermark int `yaml:"poolwatermark"`
}

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		SampleRate:        44100,
		BufferSize:        256,
		OscilSize:         1024,
		QueueSize:         1 << 16,
		MaxEventsPerBlock: 1024,
		PoolBlocks:        64,
		PoolCapacity:      1024,
		PoolWatermark:     16,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.SampleRate < 4000 || c.SampleRate > 384000 {
		return fmt.Errorf("sample rate %d out of range", c.SampleRate)
	}
	if c.BufferSize < 16 || c.BufferSize > 8192 {
		return fmt.Errorf("buffer size %d out of range", c.BufferSize)
	}
	if c.OscilSize < 64 || c.OscilSize&(c.OscilSize-1) != 0 {
		return fmt.Errorf("oscillator table size %d must be a power of two, at least 64", c.OscilSize)
	}
	if c.QueueSize < 1024 {
		return fmt.Errorf("queue size %d too small", c.QueueSize)
	}
	if c.MaxEventsPerBlock < 1 {
		return errors.New("max events per block must be positive")
	}
	if c.PoolCapacity < c.PoolBlocks || c.PoolWatermark < 0 {
		return fmt.Errorf("pool of %d blocks does not fit capacity %d", c.PoolBlocks, c.PoolCapacity)
	}
	return nil
}

// ReadConfig reads a preferences file on top of the defaults. A missing file
// is not an error: the defaults are returned.
func ReadConfig(path string) (Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("could not read preferences: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return DefaultConfig(), fmt.Errorf("could not parse preferences %v: %w", path, err)
	}
	return c, nil
}

// WriteConfig writes the configuration as a preferences file.
func WriteConfig(path string, c Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not marshal preferences: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("could not write preferences: %w", err)
	}
	return nil
}
