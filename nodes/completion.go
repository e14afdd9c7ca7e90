package nodes

import (
	"context"

	"github.com/nevindra/loom"
)

// LLMCompletion issues a single model call without chat semantics: no tool
// loop, no streaming to the client. The prompt comes from config or the
// wired input; the model comes from a link edge, inline config, or the
// run's resolved model.
type LLMCompletion struct{}

var _ loom.FlowRunner = (*LLMCompletion)(nil)

func (l *LLMCompletion) NodeType() string { return TypeLLMCompletion }

func (l *LLMCompletion) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	prompt := dataString(node, "prompt")
	if prompt == "" {
		if v, ok := inputValue(inputs); ok {
			if coerced, err := loom.Coerce(v, loom.SocketString); err == nil {
				prompt, _ = coerced.Value.(string)
			}
		}
	}
	if prompt == "" {
		return nil, loom.Validationf("llm-completion %q: empty prompt", node.ID)
	}

	modelID, err := l.resolveModel(ctx, node, fc)
	if err != nil {
		return nil, err
	}
	provider, model, err := fc.Services.Models.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	req := loom.ModelRequest{
		Model:        model,
		Instructions: dataString(node, "instructions"),
		Messages:     []loom.ChatMessage{{Role: loom.RoleUser, Content: prompt}},
	}
	if t, ok := dataFloat(node, "temperature"); ok {
		req.Params = map[string]any{"temperature": t}
	}

	// Drain the stream; only the terminal result matters here.
	events := make(chan loom.ProviderEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range events {
		}
	}()
	result, err := provider.Stream(ctx, req, events)
	close(events)
	<-done
	if err != nil {
		return nil, &loom.ProviderError{Provider: provider.Name(), Message: loom.CleanErrorMessage(err.Error())}
	}

	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{
			loom.DefaultSourceHandle: {Type: loom.SocketText, Value: result.Content},
		},
	}, nil
}

func (l *LLMCompletion) resolveModel(ctx context.Context, node loom.Node, fc *loom.FlowContext) (string, error) {
	linked, err := fc.Runtime.ResolveLinks(ctx, fc, node.ID, handleModel)
	if err != nil {
		return "", err
	}
	for _, m := range linked {
		if id, ok := m.(string); ok && id != "" {
			return id, nil
		}
	}
	if id := dataString(node, "model"); id != "" {
		return id, nil
	}
	if id, ok := fc.State["model"].(string); ok && id != "" {
		return id, nil
	}
	return "", loom.Validationf("llm-completion %q: no model configured", node.ID)
}
