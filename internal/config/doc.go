// Package config loads and watches the daemon configuration file.
//
// Load(path) reads YAML onto Default(), applies WELLNESS_* environment
// overrides, then validates struct tags (go-playground/validator) and
// cross-field rules. Durations are written as Go duration strings ("90s").
//
// Watch(ctx, path, onChange) reloads on write or create events. A reload that
// fails to parse or validate is logged and the previous config stays active.
//
// The *Config methods (SessionConfig, RetryConfig, BlinkPolicyConfig, ...)
// translate sections into the component config types.
package config
