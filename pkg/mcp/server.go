package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// BudgetReader reports the current accounting window.
type BudgetReader interface {
	BudgetStatus(ctx context.Context) (models.BudgetStatus, error)
	UsageMetrics(ctx context.Context) (models.UsageMetrics, error)
}

// RouteExplainer previews the tier a request would be routed to.
type RouteExplainer interface {
	Explain(ctx context.Context, req models.TaskResourceRequest, status models.BudgetStatus) models.RouteDecision
}

// CacheStatter provides cache statistics without coupling to a concrete
// cache implementation.
type CacheStatter interface {
	Metrics(ctx context.Context) models.CacheStats
}

// ProjectReader exposes scheduled projects and their tasks.
type ProjectReader interface {
	Projects(ctx context.Context) []models.ProjectStatus
	Status(ctx context.Context, projectID string) (models.ProjectStatus, error)
	ProjectTasks(ctx context.Context, projectID string) ([]models.Task, error)
}

// DecisionSearcher queries the admission decision log.
type DecisionSearcher interface {
	Query(ctx context.Context, opts models.DecisionQueryOpts) ([]models.DecisionRecord, error)
}

// Server is a minimal MCP server that communicates over stdio using
// JSON-RPC 2.0.
type Server struct {
	gov     BudgetReader
	rtr     RouteExplainer
	cch     CacheStatter
	sch     ProjectReader
	dec     DecisionSearcher
	version string
	log     *logger.Logger
}

// New creates a new MCP Server. Nil components disable the tools that
// depend on them.
func New(gov BudgetReader, rtr RouteExplainer, cch CacheStatter, sch ProjectReader, dec DecisionSearcher, version string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		gov:     gov,
		rtr:     rtr,
		cch:     cch,
		sch:     sch,
		dec:     dec,
		version: version,
		log:     log,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses
// to w. It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			// notification, no response
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
		}
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "apec", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		},
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: allTools},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeInvalidParams, Message: "invalid params"},
		}
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: ToolCallResult{
				Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", params.Name)}},
				IsError: true,
			},
		}
	}

	result := handler(ctx, s, params.Arguments)
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	}
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", logger.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Error("write response", logger.Error(err))
	}
}
