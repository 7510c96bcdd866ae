// Package logging provides a structured-field builder shared by the zap
// and logrus call sites across the scheduler. Fields is a plain map so it
// can feed either logger without an adapter layer at every call site.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Fields is a chainable builder of structured logging key/value pairs.
type Fields map[string]interface{}

func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) TraceID(id string) Fields {
	if id != "" {
		f["trace_id"] = id
	}
	return f
}

func (f Fields) WorkerID(id string) Fields {
	if id != "" {
		f["worker_id"] = id
	}
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus returns f as a logrus.Fields, which is a distinct map type.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ToZap renders f as zap.Field slices for use with a *zap.Logger.
func (f Fields) ToZap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// Pre-built field sets for the scheduler's own recurring log sites.

func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

func QueueFields(operation string, queueItemID int64, bucket string) Fields {
	return NewFields().Component("queue").Operation(operation).
		Custom("queue_item_id", queueItemID).Custom("bucket", bucket)
}

func SchedulingFields(codebase, campaign string) Fields {
	return NewFields().Component("scheduling").
		Custom("codebase", codebase).Custom("campaign", campaign)
}

func ForgeFields(operation, host string) Fields {
	return NewFields().Component("forge").Operation(operation).Custom("host", host)
}

func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).
		Duration(duration).Custom("success", success)
}
