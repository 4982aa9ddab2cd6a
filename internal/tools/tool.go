// Package tools contains the pipeline's capability adapters. Each tool
// exposes one typed Run method; the orchestrator composes them.
package tools

import (
	"context"

	"cds-agent/internal/services"
)

// LLMClient is the slice of the LLM service that LLM-backed tools need.
type LLMClient interface {
	GenerateStructured(ctx context.Context, req *services.GenerationRequest, out interface{}) error
}

func temperature(value float32) *float32 {
	return &value
}
