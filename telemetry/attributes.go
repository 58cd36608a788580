package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by colony's spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrAgentID    = attribute.Key("agent.id")
	AttrSessionID  = attribute.Key("session.id")
	AttrSubtaskID  = attribute.Key("subtask.id")
	AttrStrategy   = attribute.Key("autoscaler.strategy")
	AttrDecision   = attribute.Key("autoscaler.decision")
)
