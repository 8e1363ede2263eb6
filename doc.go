// Package ensemble is a multi-agent orchestration engine: a supervisor
// routes a task through a directed graph of LLM agent nodes until a terminal
// state, streaming progress to the caller and persisting every inter-agent
// exchange.
//
// Two workflows share the engine. The chat workflow routes each user turn to
// one of three secretary sub-agents chosen by keyword heuristic or LLM
// classification. The paper workflow drives a staged
// literature → stats → writer → compliance pipeline with a bounded revision
// loop back to the writer when the compliance check fails.
//
// Each node runs a bounded ReAct loop against a Provider: LLM call, tool
// calls in emission order, tool results, repeat until the model stops
// calling tools or the round budget runs out. Tool argument schemas are
// validated before dispatch; failures are fed back to the model as tool
// messages so it can self-correct.
//
// State is task-private and mutated only by the engine; nodes receive an
// immutable view and return a delta. One task is one sequential flow; many
// tasks run concurrently on one Engine.
package ensemble
