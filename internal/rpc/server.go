// Package rpc exposes the library spec manager as a JSON-RPC 2.0 service
// framed with Content-Length headers, the way editor language servers talk.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/alucardeht/libspecd/internal/ledger"
	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/logger"
)

var log = logger.ForComponent("rpc")

// Service is the query and registration surface served over the wire.
type Service interface {
	GetLibraryInfo(ctx context.Context, libname string, create bool, currentDocPath string) (*libspec.LibraryDoc, bool)
	GetLibraryNames() []string
	AddWorkspaceFolder(uri string) error
	RemoveWorkspaceFolder(uri string) error
	AddAdditionalSearchFolder(path string) error
	RemoveAdditionalSearchFolder(path string) error
	History(libname string, limit int) ([]*ledger.Attempt, error)
	SynchronizeAll()
}

type Server struct {
	service Service

	mu       sync.Mutex
	draining bool
	queries  sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func NewServer(service Service) *Server {
	return &Server{
		service:  service,
		shutdown: make(chan struct{}),
	}
}

type stdioReadWriteCloser struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stdioReadWriteCloser) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *stdioReadWriteCloser) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *stdioReadWriteCloser) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// ServeStdio serves a single peer on the given reader and writer.
func (s *Server) ServeStdio(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	return s.Serve(ctx, &stdioReadWriteCloser{reader: in, writer: out})
}

// Serve runs a single connection until the peer disconnects, ctx is done or a
// shutdown request arrives. Queries still running when the connection closes
// finish without a reply.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, s, jsonrpc2.SetLogger(connLogger{}))

	log.Info("rpc connection opened")

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
	case <-s.shutdown:
	}

	err := conn.Close()

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.queries.Wait()

	log.Info("rpc connection closed")
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}

type connLogger struct{}

func (connLogger) Printf(format string, v ...any) {
	log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Handle is called on the connection's read goroutine. Registration requests
// are applied there, in arrival order; queries may block on generation and
// run on their own goroutines.
func (s *Server) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case MethodGetLibraryInfo, MethodGetLibraryNames, MethodHistory:
		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			return
		}
		s.queries.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.queries.Done()
			result, err := s.query(ctx, req)
			s.reply(ctx, conn, req, result, err)
		}()
	default:
		result, err := s.handleSync(req)
		s.reply(ctx, conn, req, result, err)
		if req.Method == MethodShutdown {
			s.once.Do(func() { close(s.shutdown) })
		}
	}
}

func (s *Server) query(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodGetLibraryInfo:
		var params GetLibraryInfoParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.Libname == "" {
			return nil, invalidParams("libname is required")
		}
		doc, found := s.service.GetLibraryInfo(ctx, params.Libname, params.Create, params.CurrentDocURI)
		return &GetLibraryInfoResult{Found: found, Library: doc}, nil

	case MethodGetLibraryNames:
		names := s.service.GetLibraryNames()
		if names == nil {
			names = []string{}
		}
		return &LibraryNamesResult{Names: names}, nil

	case MethodHistory:
		var params HistoryParams
		if req.Params != nil {
			if err := decodeParams(req, &params); err != nil {
				return nil, err
			}
		}
		attempts, err := s.service.History(params.Libname, params.Limit)
		if err != nil {
			return nil, err
		}
		if attempts == nil {
			attempts = []*ledger.Attempt{}
		}
		return &HistoryResult{Attempts: attempts}, nil
	}
	return nil, methodNotFound(req.Method)
}

func (s *Server) handleSync(req *jsonrpc2.Request) (any, error) {
	var register func(string) error

	switch req.Method {
	case MethodAddWorkspaceFolder:
		register = s.service.AddWorkspaceFolder
	case MethodRemoveWorkspaceFolder:
		register = s.service.RemoveWorkspaceFolder
	case MethodAddSearchFolder:
		register = s.service.AddAdditionalSearchFolder
	case MethodRemoveSearchFolder:
		register = s.service.RemoveAdditionalSearchFolder
	case MethodSynchronize:
		s.service.SynchronizeAll()
		return nil, nil
	case MethodShutdown:
		log.Info("shutdown requested")
		return nil, nil
	default:
		return nil, methodNotFound(req.Method)
	}

	var params FolderParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, invalidParams("uri is required")
	}
	if err := register(params.URI); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result any, err error) {
	if req.Notif {
		if err != nil {
			log.Warn("notification failed", "method", req.Method, "error", err)
		}
		return
	}

	if err != nil {
		var rpcErr *jsonrpc2.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		}
		log.Debug("request failed", "method", req.Method, "error", rpcErr.Message)
		if err := conn.ReplyWithError(ctx, req.ID, rpcErr); err != nil {
			log.Debug("failed to send error reply", "method", req.Method, "error", err)
		}
		return
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Debug("failed to send reply", "method", req.Method, "error", err)
	}
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(msg string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: msg}
}

func methodNotFound(method string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + method}
}
