package consensus

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"

	"github.com/cvm-network/cvmnode/internal/logging"
)

// hclogAdapter routes hashicorp/raft's internal logging through the node's
// own structured logger instead of raft's default stderr writer.
type hclogAdapter struct {
	logger *logging.Logger
	name   string
}

func newHCLogAdapter(logger *logging.Logger) hclog.Logger {
	return &hclogAdapter{logger: logger, name: "raft"}
}

func (h *hclogAdapter) fields(args ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	entry := h.logger.WithFields(h.fields(args...))
	switch level {
	case hclog.Trace, hclog.Debug:
		entry.Debug(msg)
	case hclog.Warn:
		entry.Warn(msg)
	case hclog.Error:
		entry.Error(msg)
	default:
		entry.Debug(msg)
	}
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.Log(hclog.Trace, msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.Log(hclog.Debug, msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.Log(hclog.Info, msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.Log(hclog.Warn, msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.Log(hclog.Error, msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return true }
func (h *hclogAdapter) IsDebug() bool { return true }
func (h *hclogAdapter) IsInfo() bool  { return true }
func (h *hclogAdapter) IsWarn() bool  { return true }
func (h *hclogAdapter) IsError() bool { return true }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{logger: h.logger, name: h.name}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	return &hclogAdapter{logger: h.logger, name: h.name + "." + name}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: h.logger, name: name}
}

func (h *hclogAdapter) SetLevel(level hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level { return hclog.Debug }

func (h *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (h *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
