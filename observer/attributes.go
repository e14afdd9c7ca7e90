package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for model and tool observability spans and metrics.
var (
	AttrModel    = attribute.Key("model.name")
	AttrProvider = attribute.Key("model.provider")

	AttrTokensInput  = attribute.Key("model.tokens.input")
	AttrTokensOutput = attribute.Key("model.tokens.output")
	AttrCostUSD      = attribute.Key("model.cost_usd")

	AttrToolCount = attribute.Key("model.tool_count")
	AttrToolNames = attribute.Key("model.tool_names")

	AttrStreamChunks = attribute.Key("model.stream_chunks")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")
)
