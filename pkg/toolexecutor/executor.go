package toolexecutor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Result error codes placed in the "error" field of a failed tool result.
const (
	ErrCodeUnsupportedTool  = "unsupported_tool"
	ErrCodeLookupFailed     = "lookup_failed"
	ErrCodeInvalidArguments = "invalid_arguments"
)

const defaultTimeout = 10 * time.Second

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)

// ToolParameter defines a string parameter of a tool. Tool arguments arrive
// from the model as strings, so constraints are expressed on strings.
type ToolParameter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	MinLength   int    `json:"min_length,omitempty"`
	MaxLength   int    `json:"max_length,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
}

// Arguments are the decoded arguments of one tool call.
type Arguments map[string]string

// Result is the structured value returned to the model.
type Result map[string]any

// ToolHandler runs a tool. A returned error never reaches the model; it is
// converted into a lookup_failed result. Handlers must return once ctx is
// done: Execute waits for them, so a handler that ignores cancellation
// stalls the rest of its batch.
type ToolHandler func(ctx context.Context, args Arguments) (Result, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

type registeredTool struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
}

// Config configures a ToolExecutor.
type Config struct {
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// ToolExecutor is the registry that maps tool names to typed handlers and
// dispatches model tool calls against it.
type ToolExecutor struct {
	tools   map[string]*registeredTool
	order   []string
	timeout time.Duration
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// New creates an empty ToolExecutor.
func New(cfg Config) *ToolExecutor {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ToolExecutor{
		tools:   make(map[string]*registeredTool),
		timeout: timeout,
		logger:  logger,
	}
}

// RegisterTool validates def and adds it to the registry. Names are unique.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	te.tools[def.Name] = &registeredTool{def: def, schema: schema}
	te.order = append(te.order, def.Name)

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

func (te *ToolExecutor) lookup(name string) *registeredTool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.tools[name]
}

// ListTools returns registered tool names sorted alphabetically.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := append([]string(nil), te.order...)
	sort.Strings(names)
	return names
}

// Declarations returns the provider-facing declaration of every tool in
// registration order.
func (te *ToolExecutor) Declarations() []provider.ToolDeclaration {
	te.mu.RLock()
	defer te.mu.RUnlock()

	decls := make([]provider.ToolDeclaration, 0, len(te.order))
	for _, name := range te.order {
		def := te.tools[name].def
		params := make([]provider.Parameter, 0, len(def.Parameters))
		for _, p := range def.Parameters {
			params = append(params, provider.Parameter{
				Name:        p.Name,
				Type:        "string",
				Description: p.Description,
				Required:    p.Required,
			})
		}
		decls = append(decls, provider.ToolDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return decls
}

// Dispatch runs every request sequentially and returns exactly one response
// per request, in request order, tagged with the request's invocation id.
// Failures become result payloads; nothing aborts the batch.
func (te *ToolExecutor) Dispatch(ctx context.Context, requests []provider.ToolCallRequest) []provider.ToolResponse {
	ctx, span := tracing.StartSpan(ctx, "toolexecutor.dispatch", attribute.Int("batch_size", len(requests)))
	defer span.End()

	responses := make([]provider.ToolResponse, 0, len(requests))
	for _, req := range requests {
		responses = append(responses, provider.ToolResponse{
			InvocationID: req.InvocationID,
			Name:         req.Name,
			Result:       te.Execute(ctx, req),
		})
	}
	return responses
}

// Execute runs a single tool call and always returns a result.
func (te *ToolExecutor) Execute(ctx context.Context, req provider.ToolCallRequest) Result {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.logger).With().
		Str("tool", req.Name).
		Str("invocation_id", req.InvocationID).
		Logger()

	tool := te.lookup(req.Name)
	if tool == nil {
		logger.Warn().Msg("Unsupported tool requested")
		observability.RecordToolExecution(req.Name, time.Since(startTime), false)
		return Result{"error": ErrCodeUnsupportedTool, "name": req.Name}
	}

	if err := validateArguments(tool.schema, req.Arguments); err != nil {
		logger.Warn().Err(err).Msg("Tool argument validation failed")
		observability.RecordToolExecution(req.Name, time.Since(startTime), false)
		return Result{"found": false, "error": ErrCodeInvalidArguments}
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithInvocation(ctx, req), te.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		args := make(Arguments, len(req.Arguments))
		for k, v := range req.Arguments {
			args[k] = v
		}
		res, err := tool.def.Handler(timeoutCtx, args)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-timeoutCtx.Done():
		out = outcome{err: fmt.Errorf("tool execution stopped after %v: %w", time.Since(startTime), timeoutCtx.Err())}
		// The late result is discarded, but calls in a batch never overlap.
		<-done
	}

	duration := time.Since(startTime)
	if out.err != nil {
		logger.Error().Err(out.err).Dur("duration", duration).Msg("Tool execution failed")
		observability.RecordToolExecution(req.Name, duration, false)
		return Result{"found": false, "error": ErrCodeLookupFailed}
	}

	logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
	observability.RecordToolExecution(req.Name, duration, true)
	if out.result == nil {
		return Result{}
	}
	return out.result
}

func validateToolDefinition(def ToolDefinition) error {
	if !toolNamePattern.MatchString(def.Name) {
		return fmt.Errorf("tool name %q is not a valid identifier", def.Name)
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if param.MaxLength > 0 && param.MinLength > param.MaxLength {
			return fmt.Errorf("min_length exceeds max_length for %s", param.Name)
		}
		if param.Pattern != "" {
			if _, err := regexp.Compile(param.Pattern); err != nil {
				return fmt.Errorf("invalid pattern for %s: %w", param.Name, err)
			}
		}
	}
	return nil
}

func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        "string",
			"description": param.Description,
		}
		if param.MinLength > 0 {
			paramSchema["minLength"] = param.MinLength
		}
		if param.MaxLength > 0 {
			paramSchema["maxLength"] = param.MaxLength
		}
		if param.Pattern != "" {
			paramSchema["pattern"] = param.Pattern
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateArguments checks args against the tool schema. Extra arguments are
// tolerated; models sometimes add fields the declaration never asked for.
func validateArguments(schema *gojsonschema.Schema, args map[string]string) error {
	doc := make(map[string]interface{}, len(args))
	for k, v := range args {
		doc[k] = v
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
