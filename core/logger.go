package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProductionLogger writes structured logs to stdout/stderr in JSON
// (production) or human-readable (development) form. It implements
// ComponentAwareLogger so subsystems can tag their lines.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json or text
	Output string `yaml:"output" json:"output"` // stdout or stderr
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}
	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	return &ProductionLogger{
		level:       level,
		debug:       level == "debug",
		serviceName: serviceName,
		component:   "runtime",
		format:      cfg.Format,
		output:      output,
	}
}

// WithComponent returns a logger whose lines carry the given component
// identifier. The base configuration is shared.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "INFO", msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "ERROR", msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "WARN", msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(nil, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

// traceFieldsFunc is installed by the integration package so log lines
// can carry trace_id/span_id without a dependency cycle.
var traceFieldsFunc func(ctx context.Context) map[string]string

// SetTraceFieldExtractor registers the trace-correlation hook.
func SetTraceFieldExtractor(fn func(ctx context.Context) map[string]string) {
	traceFieldsFunc = fn
}

func (p *ProductionLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().UTC().Format(time.RFC3339)

	if p.format == "json" || p.format == "" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		if ctx != nil && traceFieldsFunc != nil {
			for k, v := range traceFieldsFunc(ctx) {
				entry["trace."+k] = v
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s\n",
		timestamp, level, p.serviceName, p.component, msg, fieldStr.String())
}
