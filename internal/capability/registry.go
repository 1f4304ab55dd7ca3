package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnknownCapability indicates a call names a capability that is not registered.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidArguments indicates call arguments do not satisfy the input schema.
	ErrInvalidArguments = errors.New("invalid arguments")
)

var registryTracer trace.Tracer = otel.Tracer("quizchain/internal/capability")

// Observer receives one sample per capability invocation.
type Observer interface {
	ObserveCapability(name string, success bool, elapsed time.Duration)
}

type entry struct {
	cap      Capability
	schema   *jsonschema.Schema
	checksum string
}

// Registry holds validated capabilities keyed by name.
type Registry struct {
	entries  map[string]*entry
	order    []string
	logger   *log.Logger
	observer Observer
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver attaches an invocation observer (metrics).
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry compiles every input schema and rejects duplicate or incomplete
// declarations.
func NewRegistry(caps []Capability, opts ...Option) (*Registry, error) {
	reg := &Registry{
		entries: make(map[string]*entry, len(caps)),
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(reg)
	}
	for _, c := range caps {
		if err := validateDeclaration(c); err != nil {
			return nil, err
		}
		if _, dup := reg.entries[c.Name]; dup {
			return nil, fmt.Errorf("capability %s registered twice", c.Name)
		}
		schema, err := compileSchema(c.Name, c.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", c.Name, err)
		}
		checksum, err := ComputeChecksum(c)
		if err != nil {
			return nil, fmt.Errorf("capability %s checksum: %w", c.Name, err)
		}
		reg.entries[c.Name] = &entry{cap: c, schema: schema, checksum: checksum}
		reg.order = append(reg.order, c.Name)
	}
	return reg, nil
}

// Require fails when any of names is not registered.
func (r *Registry) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := r.entries[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrUnknownCapability, strings.Join(missing, ", "))
	}
	return nil
}

// Capability returns the declaration for name.
func (r *Registry) Capability(name string) (Capability, bool) {
	if r == nil {
		return Capability{}, false
	}
	e, ok := r.entries[name]
	if !ok {
		return Capability{}, false
	}
	return e.cap, true
}

// Names lists registered capabilities in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns the declarations handed to the reasoning component.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, Schema{Name: name, Description: e.cap.Description, Parameters: e.cap.InputSchema})
	}
	return out
}

// Validate checks a call against its declared schema.
func (r *Registry) Validate(call Call) error {
	e, ok := r.entries[call.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, call.Name)
	}
	return validateArgs(e.schema, call.Arguments)
}

// Invoke validates and executes call. It never returns an error: unknown names,
// schema violations, handler errors and panics all become failure-flagged results so
// the reasoning loop always observes an outcome.
func (r *Registry) Invoke(ctx context.Context, env Env, call Call) (res Result) {
	ctx, span := registryTracer.Start(ctx, "capability.invoke",
		trace.WithAttributes(
			attribute.String("capability.name", call.Name),
			attribute.String("run.id", env.RunID),
		))
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("capability %s panicked: %v", call.Name, rec)
			res = Failure("running "+call.Name, fmt.Errorf("internal failure: %v", rec))
		}
		if !res.Success {
			span.SetStatus(codes.Error, "capability failed")
		}
		span.SetAttributes(attribute.Bool("capability.success", res.Success))
		span.End()
		if r.observer != nil {
			r.observer.ObserveCapability(call.Name, res.Success, time.Since(start))
		}
	}()

	e, ok := r.entries[call.Name]
	if !ok {
		r.logger.Printf("unknown capability requested: %q", call.Name)
		return Failure("calling "+call.Name, fmt.Errorf("%w; available: %s", ErrUnknownCapability, strings.Join(r.order, ", ")))
	}
	if err := validateArgs(e.schema, call.Arguments); err != nil {
		r.logger.Printf("capability %s rejected arguments: %v", call.Name, err)
		return Failure("calling "+call.Name, err)
	}

	if e.cap.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cap.Timeout)
		defer cancel()
	}
	out, err := e.cap.Handler(ctx, env, call.Arguments)
	if err != nil {
		r.logger.Printf("capability %s failed: %v", call.Name, err)
		return Failure("running "+call.Name, err)
	}
	return out
}

// ComputeChecksum returns a deterministic hash of the capability declaration.
func ComputeChecksum(c Capability) (string, error) {
	payload := map[string]interface{}{
		"name":         c.Name,
		"description":  c.Description,
		"input_schema": c.InputSchema,
		"side_effects": c.SideEffects,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// Checksum returns the declaration checksum recorded at registration.
func (r *Registry) Checksum(name string) (string, bool) {
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.checksum, true
}

func validateDeclaration(c Capability) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("capability name is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("capability %s has no handler", c.Name)
	}
	if c.InputSchema == nil {
		return fmt.Errorf("capability %s has no input schema", c.Name)
	}
	return nil
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	resource := name + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}
	var doc interface{}
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Decode unmarshals validated arguments into v.
func Decode(args json.RawMessage, v interface{}) error {
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
