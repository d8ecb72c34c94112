// Package config defines the load step configuration document.
//
// A document is YAML or JSON. Its structure mirrors the dotted option names
// used in messages, e.g. load.op.limit.rate is
//
//	load:
//	  op:
//	    limit:
//	      rate: 100
package config

import (
	"strings"
	"time"
)

// Defaults.
const (
	DefaultSeed           = "7a42d9c483244167"
	DefaultLayerSize      = Size(4 * 1024 * 1024)
	DefaultLayerCache     = 25
	DefaultItemDataSize   = Size(1024 * 1024)
	DefaultBatchSize      = 32
	DefaultConcurrency    = 1
	DefaultDrainTimeout   = Duration(30 * time.Second)
	DefaultMetricsPeriod  = Duration(10 * time.Second)
	DefaultNamingRadix    = 36
	DefaultDriverType     = "mem"
	DefaultOpType         = "create"
	DefaultItemNamingType = "serial"
	DefaultRequestTimeout = Duration(30 * time.Second)
)

// Config is the root of a load step configuration.
type Config struct {
	Run     RunConfig     `json:"run" yaml:"run"`
	Load    LoadConfig    `json:"load" yaml:"load"`
	Item    ItemConfig    `json:"item" yaml:"item"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Output  OutputConfig  `json:"output" yaml:"output"`
}

// RunConfig identifies the run a step belongs to.
type RunConfig struct {
	// ID is the run id; 0 derives it from the start time.
	ID int64 `json:"id,omitempty" yaml:"id,omitempty"`
}

// LoadConfig configures the load itself.
type LoadConfig struct {
	Step  StepConfig  `json:"step" yaml:"step"`
	Op    OpConfig    `json:"op" yaml:"op"`
	Batch BatchConfig `json:"batch" yaml:"batch"`
}

// StepConfig configures the step identity and its limits.
type StepConfig struct {
	// ID is the step id; empty generates linear_<timestamp>.
	ID           string          `json:"id,omitempty" yaml:"id,omitempty"`
	Limit        StepLimitConfig `json:"limit" yaml:"limit"`
	DrainTimeout Duration        `json:"drainTimeout,omitempty" yaml:"drainTimeout,omitempty"`
}

// StepLimitConfig limits the step duration.
type StepLimitConfig struct {
	Time Duration `json:"time,omitempty" yaml:"time,omitempty"`
}

// OpConfig configures the emitted operations.
type OpConfig struct {
	Type  string        `json:"type" yaml:"type"`
	Limit OpLimitConfig `json:"limit" yaml:"limit"`
}

// OpLimitConfig limits the number and the rate of operations.
type OpLimitConfig struct {
	Count int64   `json:"count,omitempty" yaml:"count,omitempty"`
	Rate  float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	Burst float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// BatchConfig configures the submission batches.
type BatchConfig struct {
	Size int `json:"size" yaml:"size"`
}

// ItemConfig configures the items.
type ItemConfig struct {
	Data   ItemDataConfig `json:"data" yaml:"data"`
	Naming NamingConfig   `json:"naming" yaml:"naming"`
	Input  FileConfig     `json:"input" yaml:"input"`
	Output FileConfig     `json:"output" yaml:"output"`
}

// ItemDataConfig configures the item content.
type ItemDataConfig struct {
	Size   Size            `json:"size" yaml:"size"`
	Verify bool            `json:"verify,omitempty" yaml:"verify,omitempty"`
	Input  DataInputConfig `json:"input" yaml:"input"`
}

// DataInputConfig configures the content source.
type DataInputConfig struct {
	Seed  string      `json:"seed" yaml:"seed"`
	Layer LayerConfig `json:"layer" yaml:"layer"`
}

// LayerConfig configures the content layers.
type LayerConfig struct {
	Size  Size `json:"size" yaml:"size"`
	Cache int  `json:"cache" yaml:"cache"`
}

// NamingConfig configures the names of new items.
type NamingConfig struct {
	Type   string `json:"type" yaml:"type"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Radix  int    `json:"radix" yaml:"radix"`
	Offset int64  `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// FileConfig points to an item records file.
type FileConfig struct {
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// StorageConfig configures the storage driver.
type StorageConfig struct {
	Driver DriverConfig `json:"driver" yaml:"driver"`
	Net    NetConfig    `json:"net" yaml:"net"`
	Bucket string       `json:"bucket,omitempty" yaml:"bucket,omitempty"`
}

// DriverConfig configures the driver.
type DriverConfig struct {
	Type             string            `json:"type" yaml:"type"`
	Limit            DriverLimitConfig `json:"limit" yaml:"limit"`
	AdmissionTimeout Duration          `json:"admissionTimeout,omitempty" yaml:"admissionTimeout,omitempty"`
	Timeout          Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DriverLimitConfig limits the driver concurrency.
type DriverLimitConfig struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// NetConfig configures network backends.
type NetConfig struct {
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// OutputConfig configures the console and metrics output.
type OutputConfig struct {
	Color   *bool         `json:"color,omitempty" yaml:"color,omitempty"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// MetricsConfig configures the metrics output.
type MetricsConfig struct {
	Period Duration `json:"period,omitempty" yaml:"period,omitempty"`
	// Threshold is a ratio of the concurrency limit in [0, 1]; 0 disables
	// the threshold metrics.
	Threshold    float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	TracePersist bool    `json:"tracePersist,omitempty" yaml:"tracePersist,omitempty"`
	Comment      string  `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills the unset options with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Load.Step.DrainTimeout == 0 {
		c.Load.Step.DrainTimeout = DefaultDrainTimeout
	}
	if c.Load.Op.Type == "" {
		c.Load.Op.Type = DefaultOpType
	}
	c.Load.Op.Type = strings.ToLower(c.Load.Op.Type)
	if c.Load.Batch.Size == 0 {
		c.Load.Batch.Size = DefaultBatchSize
	}

	if c.Item.Data.Size == 0 && c.Load.Op.Type != "noop" && c.Load.Op.Type != "delete" {
		c.Item.Data.Size = DefaultItemDataSize
	}
	if c.Item.Data.Input.Seed == "" {
		c.Item.Data.Input.Seed = DefaultSeed
	}
	if c.Item.Data.Input.Layer.Size == 0 {
		c.Item.Data.Input.Layer.Size = DefaultLayerSize
	}
	if c.Item.Data.Input.Layer.Cache == 0 {
		c.Item.Data.Input.Layer.Cache = DefaultLayerCache
	}
	if c.Item.Naming.Type == "" {
		c.Item.Naming.Type = DefaultItemNamingType
	}
	if c.Item.Naming.Radix == 0 {
		c.Item.Naming.Radix = DefaultNamingRadix
	}

	if c.Storage.Driver.Type == "" {
		c.Storage.Driver.Type = DefaultDriverType
	}
	if c.Storage.Driver.Limit.Concurrency == 0 {
		c.Storage.Driver.Limit.Concurrency = DefaultConcurrency
	}
	if c.Storage.Driver.Timeout == 0 {
		c.Storage.Driver.Timeout = DefaultRequestTimeout
	}

	if c.Output.Color == nil {
		enabled := true
		c.Output.Color = &enabled
	}
	if c.Output.Metrics.Period == 0 {
		c.Output.Metrics.Period = DefaultMetricsPeriod
	}
}

// ColorEnabled reports whether colored console output is requested.
func (c *Config) ColorEnabled() bool {
	return c.Output.Color == nil || *c.Output.Color
}

// ConcurrencyThreshold returns the threshold of concurrency derived from the
// configured ratio; 0 means no threshold.
func (c *Config) ConcurrencyThreshold() int {
	ratio := c.Output.Metrics.Threshold
	if ratio <= 0 {
		return 0
	}
	return int(float64(c.Storage.Driver.Limit.Concurrency) * ratio)
}
