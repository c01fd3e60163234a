package session

import (
	"io/ioutil"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/drivelink-io/drivelink/task"
	"github.com/drivelink-io/drivelink/tele"
)

type Config struct {
	Port struct {
		Name          string `hcl:"name"`
		Baud          int    `hcl:"baud"`
		ReadTimeoutMs int    `hcl:"read_timeout_ms"`
	} `hcl:"port"`

	// DeviceNamePrefix guards against talking to the wrong kind of
	// device on a shared serial adapter.
	DeviceNamePrefix string `hcl:"device_name_prefix"`
	RequestTimeoutMs int    `hcl:"request_timeout_ms"`
	StatusPeriodMs   int    `hcl:"status_period_ms"`
	EventQueueSize   int    `hcl:"event_queue_size"`

	Task struct {
		StepTimeoutMs  int `hcl:"step_timeout_ms"`
		TeleDeadlineMs int `hcl:"telemetry_deadline_ms"`
		RetryMax       int `hcl:"retry_max"`
		BackoffMinMs   int `hcl:"backoff_min_ms"`
		BackoffMaxMs   int `hcl:"backoff_max_ms"`
		ChunkSize      int `hcl:"chunk_size"`
	} `hcl:"task"`
	Tele tele.Config `hcl:"tele"`
}

// TaskConfig maps the file-facing millisecond fields onto the task
// layer's durations; zero fields get the task defaults.
func (c *Config) TaskConfig() task.Config {
	tc := task.Config{
		StepTimeout:  time.Duration(c.Task.StepTimeoutMs) * time.Millisecond,
		TeleDeadline: time.Duration(c.Task.TeleDeadlineMs) * time.Millisecond,
		RetryMax:     c.Task.RetryMax,
		BackoffMin:   time.Duration(c.Task.BackoffMinMs) * time.Millisecond,
		BackoffMax:   time.Duration(c.Task.BackoffMaxMs) * time.Millisecond,
		ChunkSize:    c.Task.ChunkSize,
	}
	tc.SetDefaults()
	return tc
}

func (c *Config) SetDefaults() {
	if c.Port.Baud == 0 {
		c.Port.Baud = 115200
	}
	if c.DeviceNamePrefix == "" {
		c.DeviceNamePrefix = "io.drivelink"
	}
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = 500
	}
	if c.StatusPeriodMs == 0 {
		c.StatusPeriodMs = 1000
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = 64
	}
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Port.ReadTimeoutMs) * time.Millisecond
}
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}
func (c *Config) StatusPeriod() time.Duration {
	return time.Duration(c.StatusPeriodMs) * time.Millisecond
}

func ReadConfig(b []byte) (Config, error) {
	c := Config{}
	if err := hcl.Unmarshal(b, &c); err != nil {
		return c, errors.Annotate(err, "config parse")
	}
	c.SetDefaults()
	return c, nil
}

func ReadConfigFile(path string) (Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "config file=%s", path)
	}
	return ReadConfig(b)
}

func MustReadConfigFile(fatal func(...interface{}), path string) Config {
	c, err := ReadConfigFile(path)
	if err != nil {
		fatal(err)
	}
	return c
}
