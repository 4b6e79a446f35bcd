// Package mcp exposes the OCR engine as Model Context Protocol tools over a
// line-delimited JSON-RPC 2.0 stream.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/ocr"
	"github.com/pario-ai/folio/pkg/tracker"
)

// Engine is the part of ocr.Service the tools call into.
type Engine interface {
	ExtractText(ctx context.Context, doc models.Document, startPage, endPage int, params models.ExtractParams) (*models.ExtractResponse, error)
	DefaultParams() models.ExtractParams
	PurgeCache(ctx context.Context, retention time.Duration) (int64, error)
	CacheStats(ctx context.Context) (models.CacheStats, error)
}

// BudgetReporter reports usage against the configured token caps.
type BudgetReporter interface {
	Status(ctx context.Context) ([]models.BudgetStatus, error)
}

// Server is a minimal MCP server that communicates over stdio.
type Server struct {
	engine    Engine
	tracker   tracker.Tracker
	budget    BudgetReporter
	retention time.Duration
	version   string
	log       zerolog.Logger
	writeMu   sync.Mutex
}

// Options configures a Server. Tracker and Budget may be nil.
type Options struct {
	Tracker   tracker.Tracker
	Budget    BudgetReporter
	Retention time.Duration
	Version   string
	Logger    zerolog.Logger
}

// New creates a new MCP Server.
func New(engine Engine, opts Options) *Server {
	return &Server{
		engine:    engine,
		tracker:   opts.Tracker,
		budget:    opts.Budget,
		retention: opts.Retention,
		version:   opts.Version,
		log:       opts.Logger.With().Str("component", "mcp").Logger(),
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, failure(nil, CodeParseError, "parse error"))
			continue
		}

		if resp := s.dispatch(ctx, w, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

const instructions = "Call folio_extract_text with a PDF path and a page range. " +
	"Pages already OCRed with the same model and prompt come from the cache at no token cost. " +
	"Use folio_usage and folio_budget to check spend before large ranges."

func (s *Server) dispatch(ctx context.Context, w io.Writer, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "folio", Version: s.version},
			Instructions:    instructions,
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, w, req)
	default:
		return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, w io.Writer, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return failure(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	if params.Meta != nil && len(params.Meta.ProgressToken) > 0 {
		ctx = ocr.WithProgress(ctx, s.progressNotifier(w, params.Meta.ProgressToken))
	}

	started := time.Now()
	res := handler(ctx, s, params.Arguments)
	s.log.Debug().Str("tool", params.Name).Bool("is_error", res.IsError).Dur("took", time.Since(started)).Msg("tool call")
	return result(req.ID, res)
}

// progressNotifier forwards batch progress to the client that asked for it
// with a progress token.
func (s *Server) progressNotifier(w io.Writer, token json.RawMessage) ocr.ProgressFunc {
	return func(p ocr.Progress) {
		s.writeMessage(w, Notification{
			JSONRPC: jsonrpcVersion,
			Method:  "notifications/progress",
			Params: ProgressParams{
				ProgressToken: token,
				Progress:      p.Done,
				Total:         p.Total,
				Message:       p.Message(),
			},
		})
	}
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	s.writeMessage(w, resp)
}

func (s *Server) writeMessage(w io.Writer, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal message")
		return
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		s.log.Error().Err(err).Msg("write message")
	}
}
