// Package dispatch routes protocol requests to a plugin.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/mantonx/plughost/internal/errors"
	"github.com/mantonx/plughost/internal/lifecycle"
	"github.com/mantonx/plughost/internal/metrics"
	plugins "github.com/mantonx/plughost/sdk"
)

const tracerName = "github.com/mantonx/plughost/internal/dispatch"

// handlerFunc turns a request into a result mapping or an error.
type handlerFunc func(ctx context.Context, req *plugins.Request) (map[string]interface{}, error)

// Options configures a Dispatcher.
type Options struct {
	Logger  hclog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	// ShutdownContext is handed to the plugin's Start and is cancelled when
	// the server shuts down. Defaults to context.Background().
	ShutdownContext context.Context
}

// Dispatcher owns the fixed method table and the plugin's lifecycle.
type Dispatcher struct {
	plugin      plugins.PluginAPI
	machine     *lifecycle.Machine
	logger      hclog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	shutdownCtx context.Context
	handlers    map[string]handlerFunc
}

// New creates a Dispatcher for plugin. machine may be nil, in which case a
// fresh Uninitialized machine is used.
func New(plugin plugins.PluginAPI, machine *lifecycle.Machine, opts Options) *Dispatcher {
	if machine == nil {
		machine = lifecycle.New()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.ShutdownContext == nil {
		opts.ShutdownContext = context.Background()
	}

	d := &Dispatcher{
		plugin:      plugin,
		machine:     machine,
		logger:      opts.Logger.Named("dispatch"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		shutdownCtx: opts.ShutdownContext,
	}
	d.handlers = map[string]handlerFunc{
		plugins.MethodHealthCheck:   d.handleHealthCheck,
		plugins.MethodExecuteAction: d.handleExecuteAction,
		plugins.MethodGetInfo:       d.handleGetInfo,
		plugins.MethodInitialize:    d.handleInitialize,
		plugins.MethodStart:         d.handleStart,
		plugins.MethodStop:          d.handleStop,
	}

	d.metrics.SetLifecycleState(machine.State().String(), lifecycle.AllStates())
	machine.OnChange(func(from, to lifecycle.State) {
		d.logger.Info("plugin state changed", "from", from, "to", to)
		d.metrics.SetLifecycleState(to.String(), lifecycle.AllStates())
	})
	return d
}

// Machine returns the lifecycle the dispatcher drives.
func (d *Dispatcher) Machine() *lifecycle.Machine {
	return d.machine
}

// Plugin returns the plugin being dispatched to.
func (d *Dispatcher) Plugin() plugins.PluginAPI {
	return d.plugin
}

// Methods returns the method names in the table, sorted.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch handles one request and always produces a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *plugins.Request) plugins.Response {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "plugin.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	handler, ok := d.handlers[req.Method]
	if !ok {
		err := apperrors.NewProtocolError(fmt.Sprintf("unknown method: %s", req.Method), nil)
		// unknown names are not used as a metric label
		return d.finish(span, "unknown", start, nil, err)
	}

	result, err := d.call(ctx, req, handler)
	return d.finish(span, req.Method, start, result, err)
}

// call runs handler, turning a plugin panic into a domain error.
func (d *Dispatcher) call(ctx context.Context, req *plugins.Request, handler handlerFunc) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("plugin panicked", "method", req.Method, "panic", r)
			result = nil
			err = apperrors.NewDomainError(req.Method, fmt.Errorf("plugin panic: %v", r))
		}
	}()
	return handler(ctx, req)
}

func (d *Dispatcher) finish(span trace.Span, method string, start time.Time, result map[string]interface{}, err error) plugins.Response {
	elapsed := time.Since(start)

	if err != nil {
		code := apperrors.CodeOf(err)
		span.SetAttributes(attribute.String("plugin.outcome", code))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.ObserveRequest(method, code, elapsed)
		d.logger.Debug("request failed", "method", method, "code", code, "error", err, "duration", elapsed)
		return plugins.Fail(err.Error())
	}

	span.SetAttributes(attribute.String("plugin.outcome", metrics.OutcomeOK))
	span.SetStatus(codes.Ok, "")
	d.metrics.ObserveRequest(method, metrics.OutcomeOK, elapsed)
	d.logger.Trace("request handled", "method", method, "duration", elapsed)
	return plugins.OK(result)
}

func (d *Dispatcher) handleInitialize(ctx context.Context, req *plugins.Request) (map[string]interface{}, error) {
	config, ok := req.Data["config"].(map[string]interface{})
	if !ok {
		return nil, apperrors.NewProtocolError("config is required", nil)
	}
	return nil, d.transition(lifecycle.Initialize, func() error {
		return d.plugin.Initialize(config)
	})
}

func (d *Dispatcher) handleStart(ctx context.Context, req *plugins.Request) (map[string]interface{}, error) {
	return nil, d.transition(lifecycle.Start, func() error {
		return d.plugin.Start(d.shutdownCtx)
	})
}

func (d *Dispatcher) handleStop(ctx context.Context, req *plugins.Request) (map[string]interface{}, error) {
	return nil, d.transition(lifecycle.Stop, d.plugin.Stop)
}

// transition runs fn under the lifecycle gate and classifies the failure.
func (d *Dispatcher) transition(event lifecycle.Event, fn func() error) error {
	var pluginErr error
	err := d.machine.Transition(event, func() error {
		pluginErr = fn()
		return pluginErr
	})
	switch {
	case err == nil:
		return nil
	case pluginErr != nil:
		return apperrors.NewDomainError(string(event), pluginErr)
	default:
		return apperrors.NewStateError(err)
	}
}

func (d *Dispatcher) handleGetInfo(ctx context.Context, req *plugins.Request) (map[string]interface{}, error) {
	info := d.plugin.GetInfo()
	if info == nil {
		info = map[string]interface{}{}
	}
	return info, nil
}

func (d *Dispatcher) handleExecuteAction(ctx context.Context, req *plugins.Request) (map[string]interface{}, error) {
	data := req.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode action data", err)
	}

	out, err := d.plugin.HandleRequest("POST", "/execute", body)
	if err != nil {
		return nil, apperrors.NewDomainError(plugins.MethodExecuteAction, err)
	}

	var decoded interface{}
	if len(bytes.TrimSpace(out)) > 0 {
		if err := json.Unmarshal(out, &decoded); err != nil {
			return nil, apperrors.NewProtocolError("invalid plugin response", err)
		}
	}
	return map[string]interface{}{"result": decoded}, nil
}

func (d *Dispatcher) handleHealthCheck(ctx context.Context, req *plugins.Request) (map[string]interface{}, error) {
	checkName := ""
	if raw, present := req.Data["check_name"]; present && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return nil, apperrors.NewProtocolError("check_name must be a string", nil)
		}
		checkName = name
	}

	if err := d.plugin.HealthCheck(checkName); err != nil {
		return map[string]interface{}{
			"healthy": false,
			"message": err.Error(),
		}, nil
	}
	return map[string]interface{}{
		"healthy": true,
		"message": "OK",
	}, nil
}
