// Package plugin defines the per-integration-type capability contracts and
// the process-wide plugin registry. A plugin bundles everything the engine
// needs to talk to one kind of upstream: an HTTP adapter, an optional poller
// (with optional subtype pollers), an optional realtime manager factory, and
// metric declarations for the history recorder.
package plugin

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Instance is the read-only view of one configured integration instance.
// Config is an opaque mapping whose keys are specific to the plugin type.
type Instance struct {
	ID          string
	Type        string
	DisplayName string
	Enabled     bool
	Config      map[string]any
}

// ConfigString returns the string value of a config key, or "" when absent
// or not a string.
func (i Instance) ConfigString(key string) string {
	v, ok := i.Config[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ConfigBool returns the bool value of a config key, false when absent.
func (i Instance) ConfigBool(key string) bool {
	v, ok := i.Config[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// HistoryProbe describes the upstream endpoint probed to decide whether a
// metric's history is served externally by the integration itself.
type HistoryProbe struct {
	Path   string
	Params map[string]string
}

// MetricDefinition declares one numeric field of a plugin's poll payload.
// Recordable metrics are eligible for the history recorder; the key is
// looked up in the payload with dotted-path notation.
type MetricDefinition struct {
	Key          string
	Recordable   bool
	HistoryProbe *HistoryProbe
}

// ConfigField documents one config key of a plugin for settings surfaces.
type ConfigField struct {
	Key      string
	Label    string
	Type     string
	Required bool
	Secret   bool
}

// Response is the adapter result: upstream status code, response headers,
// and raw body. Adapters that manage cookie sessions read Set-Cookie here.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestOption tunes a single adapter call.
type RequestOption func(*RequestOptions)

// RequestOptions collects per-call adapter settings.
type RequestOptions struct {
	Params  map[string]string
	Headers map[string]string
	Timeout time.Duration
}

// WithParams adds query parameters to the request.
func WithParams(params map[string]string) RequestOption {
	return func(o *RequestOptions) {
		if o.Params == nil {
			o.Params = make(map[string]string, len(params))
		}
		for k, v := range params {
			o.Params[k] = v
		}
	}
}

// WithHeader adds one request header.
func WithHeader(key, value string) RequestOption {
	return func(o *RequestOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.Timeout = d }
}

// ApplyOptions folds a list of options into a RequestOptions value.
func ApplyOptions(opts []RequestOption) RequestOptions {
	var o RequestOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Adapter performs authenticated HTTP against one upstream instance. Adapter
// implementations own request signing, reauth, and cookie sessions; callers
// see plain request/response pairs. Every call honors the context and a
// per-call timeout.
type Adapter interface {
	Get(ctx context.Context, inst Instance, path string, opts ...RequestOption) (*Response, error)
	Post(ctx context.Context, inst Instance, path string, body any, opts ...RequestOption) (*Response, error)
	Request(ctx context.Context, inst Instance, method, path string, body any, opts ...RequestOption) (*Response, error)
}

// PollFunc fetches and normalizes one payload for an instance. A nil payload
// with nil error is treated by the orchestrator as "Poll returned no data".
type PollFunc func(ctx context.Context, inst Instance) (any, error)

// SubtypePoller is a poller bound to one reserved subtype of a type.
type SubtypePoller struct {
	Interval time.Duration
	Poll     PollFunc
}

// Poller declares the periodic-fetch capability of a plugin.
type Poller struct {
	Interval time.Duration
	Poll     PollFunc
	Subtypes map[string]SubtypePoller
}

// UpdateFunc receives each payload pushed by a realtime manager.
type UpdateFunc func(data any)

// RealtimeHandlers are the orchestrator callbacks a manager reports into.
// All three are optional; managers must tolerate nil handlers.
type RealtimeHandlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
}

// RealtimeManager owns one persistent upstream push connection.
// SetHandlers must be called before Connect; Disconnect is idempotent.
type RealtimeManager interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SetHandlers(h RealtimeHandlers)
}

// Realtime declares the persistent-connection capability of a plugin.
type Realtime struct {
	CreateManager func(inst Instance, onUpdate UpdateFunc) (RealtimeManager, error)
}

// Plugin is one integration type's capability record. Records are immutable
// once registered.
type Plugin struct {
	ID           string
	Name         string
	Category     string
	ConfigSchema []ConfigField
	Metrics      []MetricDefinition
	Adapter      Adapter
	Poller       *Poller
	Realtime     *Realtime
}

// HasMetrics reports whether the plugin declares at least one metric,
// which marks its instances as system-status sources for the recorder.
func (p *Plugin) HasMetrics() bool {
	return len(p.Metrics) > 0
}

// RecordableMetrics returns the declared metrics flagged as recordable.
func (p *Plugin) RecordableMetrics() []MetricDefinition {
	var out []MetricDefinition
	for _, m := range p.Metrics {
		if m.Recordable {
			out = append(out, m)
		}
	}
	return out
}

// MetricByKey returns the declared metric for key, or nil.
func (p *Plugin) MetricByKey(key string) *MetricDefinition {
	for i := range p.Metrics {
		if p.Metrics[i].Key == key {
			return &p.Metrics[i]
		}
	}
	return nil
}

// Validate checks structural completeness before registration.
func (p *Plugin) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plugin: empty id")
	}
	if p.Adapter == nil {
		return fmt.Errorf("plugin %s: nil adapter", p.ID)
	}
	if p.Poller == nil && p.Realtime == nil {
		return fmt.Errorf("plugin %s: neither poller nor realtime capability", p.ID)
	}
	if p.Poller != nil && p.Poller.Poll == nil {
		return fmt.Errorf("plugin %s: poller without poll func", p.ID)
	}
	for name, sp := range pollerSubtypes(p) {
		if sp.Poll == nil {
			return fmt.Errorf("plugin %s: subtype %s without poll func", p.ID, name)
		}
	}
	if p.Realtime != nil && p.Realtime.CreateManager == nil {
		return fmt.Errorf("plugin %s: realtime without manager factory", p.ID)
	}
	return nil
}

func pollerSubtypes(p *Plugin) map[string]SubtypePoller {
	if p.Poller == nil {
		return nil
	}
	return p.Poller.Subtypes
}
