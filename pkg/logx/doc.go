// Package logx is crosspost's structured logging: a small value-type Logger
// over zerolog whose sinks (console or JSON stdout, JSON file) are swapped at
// runtime when the config reloads.
package logx
