package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/sourcegraph/jsonrpc2"
)

// Serve runs the worker side of the protocol over stdio. It is the body of
// the hidden `osgrep worker` subcommand and blocks until the parent closes
// the connection or ctx is cancelled.
func Serve(ctx context.Context) error {
	rt := &Runtime{}

	stream := jsonrpc2.NewBufferedStream(
		stdioPipe{ReadCloser: os.Stdin, WriteCloser: os.Stdout},
		jsonrpc2.VSCodeObjectCodec{},
	)
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(rt.handle))

	select {
	case <-conn.DisconnectNotify():
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

// handle dispatches one request. The handler is not wrapped in
// jsonrpc2.AsyncHandler, so the connection's read loop runs requests one
// at a time; the Runtime mutex only guards its loaded flag.
func (r *Runtime) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodPing:
		return "pong", nil

	case MethodProcessFile:
		var params ProcessFileParams
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		vectors, err := r.EmbedBatch(params.Texts)
		if err != nil {
			return nil, err
		}
		return ProcessFileResult{Vectors: vectors}, nil

	case MethodEncodeQuery:
		var params EncodeQueryParams
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		vec, err := r.EncodeQuery(params.Text)
		if err != nil {
			return nil, err
		}
		return EncodeQueryResult{Vector: vec}, nil

	case MethodRerank:
		var params RerankParams
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		scores, err := r.Rerank(params.Query, params.Docs)
		if err != nil {
			return nil, err
		}
		return RerankResult{Scores: scores}, nil

	default:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "unknown method " + req.Method,
		}
	}
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(*req.Params, v)
}
