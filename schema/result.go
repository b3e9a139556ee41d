package schema

import "context"

// ResultCallback receives a finished command's result in-process. It plays
// the role of a pending reply reference held by an external caller.
type ResultCallback func(ctx context.Context, result Result) error

// ResultConfig describes how a plugin command's result is returned to its
// caller. Exactly one of Callback and Directory must be set.
type ResultConfig struct {
	Callback ResultCallback `json:"-" yaml:"-"`

	Directory    string `json:"directory,omitempty" yaml:"directory,omitempty"`
	SingleFile   bool   `json:"single_file,omitempty" yaml:"single_file,omitempty"`
	FileBasename string `json:"file_basename,omitempty" yaml:"file_basename,omitempty"`
	OutputFormat string `json:"output_format,omitempty" yaml:"output_format,omitempty"`
	ErrorFormat  string `json:"error_format,omitempty" yaml:"error_format,omitempty"`
	FilesSuffix  string `json:"files_suffix,omitempty" yaml:"files_suffix,omitempty"`
}

// HasTarget reports whether the config can deliver a result anywhere.
func (c *ResultConfig) HasTarget() bool {
	if c == nil {
		return false
	}
	return c.Callback != nil || c.Directory != ""
}

// Validate checks that exactly one delivery target is configured.
func (c *ResultConfig) Validate() error {
	if !c.HasTarget() {
		return ErrNoResultTarget
	}
	if c.Callback != nil && c.Directory != "" {
		return ErrAmbiguousResultTarget
	}
	return nil
}

// ErrorInfo is the transport form of a command error.
type ErrorInfo struct {
	Kind    string `json:"kind" yaml:"kind"`
	Code    int    `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	Cause   string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// Result is the frozen outcome of a command handed to result delivery.
type Result struct {
	CommandID            CommandID      `json:"command_id" yaml:"command_id"`
	Label                string         `json:"label" yaml:"label"`
	Executable           string         `json:"executable" yaml:"executable"`
	State                ExecutionState `json:"state" yaml:"state"`
	Stdout               string         `json:"stdout" yaml:"stdout"`
	Stderr               string         `json:"stderr" yaml:"stderr"`
	StdoutOriginalLength int            `json:"stdout_original_length" yaml:"stdout_original_length"`
	StderrOriginalLength int            `json:"stderr_original_length" yaml:"stderr_original_length"`
	ExitCode             *int           `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Errors               []ErrorInfo    `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Err returns the first recorded error, if any.
func (r Result) Err() *ErrorInfo {
	if len(r.Errors) == 0 {
		return nil
	}
	return &r.Errors[0]
}
