package api

import (
	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/pkg/mcf"
)

// ResponseError is the error body; it decodes as engine.ErrorDetail.
type ResponseError = engine.ErrorDetail

type HealthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

type ModelResponse struct {
	*mcf.ModelInfo
	Engine  string `json:"engine"`
	Version string `json:"version"`
}

// StoredResult is an answered request kept for later lookup.
type StoredResult struct {
	engine.InferResponse
	Input     []int8 `json:"input"`
	CreatedAt int64  `json:"created_at"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}
