package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the configuration. Defaults are expected to be applied.
//
// Returns nil if valid, or a *ValidationErrors containing all the errors.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	validateLoad(&c.Load, errs)
	validateItem(c, errs)
	validateStorage(&c.Storage, errs)
	validateOutput(&c.Output, errs)

	if c.Run.ID < 0 {
		errs.Add("run.id", "run id must be >= 0")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateLoad(l *LoadConfig, errs *ValidationErrors) {
	switch l.Op.Type {
	case "noop", "create", "read", "update", "delete":
	case "":
		errs.Add("load.op.type", "operation type is required")
	default:
		errs.Add("load.op.type", fmt.Sprintf("unknown operation type: %s", l.Op.Type))
	}

	if l.Op.Limit.Count < 0 {
		errs.Add("load.op.limit.count", "count limit must be >= 0")
	}
	if l.Op.Limit.Rate < 0 {
		errs.Add("load.op.limit.rate", "rate limit must be >= 0")
	}
	if l.Op.Limit.Burst < 0 {
		errs.Add("load.op.limit.burst", "burst must be >= 0")
	}
	if l.Batch.Size <= 0 {
		errs.Add("load.batch.size", "batch size must be greater than 0")
	}
	if l.Step.Limit.Time < 0 {
		errs.Add("load.step.limit.time", "time limit must be >= 0")
	}
	if l.Step.DrainTimeout < 0 {
		errs.Add("load.step.drainTimeout", "drain timeout must be >= 0")
	}
	if strings.ContainsAny(l.Step.ID, "/\\ \t\n") {
		errs.Add("load.step.id", "step id must not contain path separators or whitespace")
	}
}

func validateItem(c *Config, errs *ValidationErrors) {
	item := &c.Item

	if item.Data.Size < 0 {
		errs.Add("item.data.size", "item data size must be >= 0")
	}
	seed := strings.TrimPrefix(strings.ToLower(item.Data.Input.Seed), "0x")
	if _, err := strconv.ParseUint(seed, 16, 64); err != nil {
		errs.Add("item.data.input.seed", fmt.Sprintf("seed must be a 64-bit hexadecimal number, got %q", item.Data.Input.Seed))
	}
	if item.Data.Input.Layer.Size <= 0 {
		errs.Add("item.data.input.layer.size", "layer size must be greater than 0")
	}
	if item.Data.Input.Layer.Cache <= 0 {
		errs.Add("item.data.input.layer.cache", "layer cache must be greater than 0")
	}

	switch item.Naming.Type {
	case "serial", "random":
	default:
		errs.Add("item.naming.type", fmt.Sprintf("unknown naming type: %s", item.Naming.Type))
	}
	if item.Naming.Radix < 2 || item.Naming.Radix > 36 {
		errs.Add("item.naming.radix", "radix must be in [2, 36]")
	}
	if item.Naming.Offset < 0 {
		errs.Add("item.naming.offset", "naming offset must be >= 0")
	}

	// operations on existing items need to know them
	switch c.Load.Op.Type {
	case "read", "update", "delete":
		if item.Input.File == "" && item.Naming.Type != "serial" {
			errs.Add("item.input.file", fmt.Sprintf("%s operations need an item input file or serial naming", c.Load.Op.Type))
		}
	}
	if item.Input.File != "" && item.Input.File == item.Output.File {
		errs.Add("item.output.file", "item output file must differ from the item input file")
	}
}

func validateStorage(s *StorageConfig, errs *ValidationErrors) {
	switch s.Driver.Type {
	case "mem", "noop":
	case "http":
		if s.Net.Endpoint == "" {
			errs.Add("storage.net.endpoint", "endpoint is required for the http driver")
		}
	default:
		errs.Add("storage.driver.type", fmt.Sprintf("unknown driver type: %s", s.Driver.Type))
	}

	if s.Driver.Limit.Concurrency <= 0 {
		errs.Add("storage.driver.limit.concurrency", "concurrency limit must be greater than 0")
	}
	if s.Driver.AdmissionTimeout < 0 {
		errs.Add("storage.driver.admissionTimeout", "admission timeout must be >= 0")
	}
	if s.Driver.Timeout < 0 {
		errs.Add("storage.driver.timeout", "request timeout must be >= 0")
	}
}

func validateOutput(o *OutputConfig, errs *ValidationErrors) {
	if o.Metrics.Period < 0 {
		errs.Add("output.metrics.period", "metrics period must be >= 0")
	}
	if o.Metrics.Threshold < 0 || o.Metrics.Threshold > 1 {
		errs.Add("output.metrics.threshold", "threshold must be a ratio in [0, 1]")
	}
}
