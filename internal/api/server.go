// Package api serves a Deployment Engine over HTTP so remote verification
// runs can reach it. The routes are the ones engine.HTTPEngine calls.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/mcu"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/internal/version"
	"github.com/samcharles93/bitmcu/pkg/mcf"
	"github.com/samcharles93/bitmcu/pkg/quant"
)

type Server struct {
	engine engine.Engine
	info   *mcf.ModelInfo
	store  *ResultStore
	clock  func() time.Time
}

// NewServer serves eng. A nil store disables result lookups by id.
func NewServer(eng engine.Engine, store *ResultStore) *Server {
	s := &Server{engine: eng, store: store, clock: time.Now}
	if d, ok := eng.(engine.Describer); ok {
		s.info = d.Info()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET(engine.HealthPath, s.handleHealth)
	e.GET(engine.ModelPath, s.handleModel)
	e.POST(engine.InferPath, s.handleInfer)
	e.GET(engine.InferPath+"/:id", s.handleGetResult)
	e.DELETE(engine.InferPath+"/:id", s.handleDeleteResult)
}

func (s *Server) handleHealth(c *echo.Context) error {
	if err := engine.Check(c.Request().Context(), s.engine); err != nil {
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", err.Error(), "", "")
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Engine: s.engine.Name()})
}

func (s *Server) handleModel(c *echo.Context) error {
	if s.info == nil {
		return writeNotFound(c, "engine does not describe its model")
	}
	return c.JSON(http.StatusOK, ModelResponse{
		ModelInfo: s.info,
		Engine:    s.engine.Name(),
		Version:   version.String(),
	})
}

func (s *Server) handleInfer(c *echo.Context) error {
	req, err := decodeJSON[engine.InferRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := s.input(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	resp := engine.InferResponse{ID: newResultID(), Engine: s.engine.Name()}
	if sc, ok := s.engine.(engine.Scorer); ok {
		scores, err := sc.Scores(ctx, x)
		if err != nil {
			return writeEngineError(c, err)
		}
		resp.Scores = scores
		resp.Class = qnn.ArgMax(scores)
	} else {
		class, err := s.engine.Infer(ctx, x)
		if err != nil {
			return writeEngineError(c, err)
		}
		resp.Class = class
	}
	if s.store != nil {
		s.store.Put(StoredResult{InferResponse: resp, Input: x, CreatedAt: s.clock().Unix()})
	}
	return c.JSON(http.StatusOK, resp)
}

// input resolves the request to the integer vector the engine consumes.
func (s *Server) input(req engine.InferRequest) ([]int8, error) {
	var x []int8
	switch {
	case len(req.Input) > 0 && len(req.Image) > 0:
		return nil, newInvalidRequest("input and image are mutually exclusive")
	case len(req.Input) > 0:
		x = req.Input
	case len(req.Image) > 0:
		x, _ = quant.ScaleInput(req.Image)
	default:
		return nil, newInvalidRequest("input or image is required")
	}
	if s.info != nil && len(x) != s.info.InputLen() {
		return nil, newInvalidRequest(fmt.Sprintf("input has %d values, model %s expects %d", len(x), s.info.Name, s.info.InputLen()))
	}
	return x, nil
}

func (s *Server) handleGetResult(c *echo.Context) error {
	if s.store == nil {
		return writeNotFound(c, "results are not stored")
	}
	res, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "result not found")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeleteResult(c *echo.Context) error {
	if s.store == nil || !s.store.Delete(c.Param("id")) {
		return writeNotFound(c, "result not found")
	}
	return c.JSON(http.StatusOK, DeletedResponse{ID: c.Param("id"), Deleted: true})
}

func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrUnavailable):
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", err.Error(), "", "")
	case errors.Is(err, qnn.ErrShapeMismatch), errors.Is(err, mcu.ErrInputLength):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "input", "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusGatewayTimeout, "timeout_error", err.Error(), "", "")
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
