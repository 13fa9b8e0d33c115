// Package config holds the sender configuration gathered from the YAML file,
// CLI flags and interactive prompts.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Codec is the video coding of the input stream.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// Input names understood besides file paths and rtsp:// URLs.
const InputTestPattern = "test"

// Defaults mirror the camera firmware's launch parameters.
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 5602
	DefaultFPS         = 90
	DefaultBitrate     = 2 // Mbps
	DefaultGOP         = 15
	DefaultPayloadType = 96
	DefaultQueueSize   = 10
)

var ErrInvalid = errors.New("invalid config")

// Config stores all sender parameters.
type Config struct {
	Host string `yaml:"Host"` // destination host
	Port int    `yaml:"Port"` // destination UDP port

	Input   string `yaml:"Input"`   // "test", rtsp:// URL, or Annex-B file path
	Codec   Codec  `yaml:"Codec"`   // h264 or h265
	FPS     int    `yaml:"FPS"`     // pacing and timestamp step for file/test inputs
	Bitrate int    `yaml:"Bitrate"` // test pattern bitrate, Mbps
	GOP     int    `yaml:"GOP"`     // test pattern key frame interval
	Loop    bool   `yaml:"Loop"`    // restart file inputs at EOF
	Frames  int    `yaml:"Frames"`  // stop after this many frames (0: no limit)

	PayloadType     uint8         `yaml:"PayloadType"`
	MaxDatagramSize int           `yaml:"MaxDatagramSize"`
	TailMode        string        `yaml:"TailMode"` // merge or flush
	DSCP            int           `yaml:"DSCP"`
	WriteTimeout    time.Duration `yaml:"WriteTimeout"`
	QueueSize       int           `yaml:"QueueSize"`

	MonitorAddr   string        `yaml:"MonitorAddr"` // e.g. ":8080"; empty disables
	StatsInterval time.Duration `yaml:"StatsInterval"`
	Debug         bool          `yaml:"Debug"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Codec:           CodecH265,
		FPS:             DefaultFPS,
		Bitrate:         DefaultBitrate,
		GOP:             DefaultGOP,
		PayloadType:     DefaultPayloadType,
		MaxDatagramSize: 1472,
		TailMode:        "merge",
		QueueSize:       DefaultQueueSize,
		StatsInterval:   10 * time.Second,
	}
}

// Load reads a YAML file on top of Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}
	return cfg, nil
}

// Addr returns the destination as "host:port".
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: missing host", ErrInvalid)
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d (must be 1~65535)", ErrInvalid, c.Port)
	case c.Input == "":
		return fmt.Errorf("%w: missing input", ErrInvalid)
	case c.Codec != CodecH264 && c.Codec != CodecH265:
		return fmt.Errorf("%w: codec %q (must be h264 or h265)", ErrInvalid, c.Codec)
	case c.FPS < 1 || c.FPS > 240:
		return fmt.Errorf("%w: fps %d (must be 1~240)", ErrInvalid, c.FPS)
	case c.Bitrate < 1:
		return fmt.Errorf("%w: bitrate %d", ErrInvalid, c.Bitrate)
	case c.GOP < 1:
		return fmt.Errorf("%w: gop %d", ErrInvalid, c.GOP)
	case c.Frames < 0:
		return fmt.Errorf("%w: frames %d", ErrInvalid, c.Frames)
	case c.PayloadType > 127:
		return fmt.Errorf("%w: payload type %d (must be 0~127)", ErrInvalid, c.PayloadType)
	case c.MaxDatagramSize < 26 || c.MaxDatagramSize > 65507:
		return fmt.Errorf("%w: datagram size %d (must be 26~65507)", ErrInvalid, c.MaxDatagramSize)
	case c.TailMode != "merge" && c.TailMode != "flush":
		return fmt.Errorf("%w: tail mode %q (must be merge or flush)", ErrInvalid, c.TailMode)
	case c.DSCP < 0 || c.DSCP > 63:
		return fmt.Errorf("%w: dscp %d (must be 0~63)", ErrInvalid, c.DSCP)
	case c.WriteTimeout < 0:
		return fmt.Errorf("%w: write timeout %v", ErrInvalid, c.WriteTimeout)
	case c.QueueSize < 1:
		return fmt.Errorf("%w: queue size %d", ErrInvalid, c.QueueSize)
	}
	return nil
}
