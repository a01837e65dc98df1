package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
)

// maxFrameSize bounds a single request line. Fused contexts and whole
// conversation turns fit well under this; anything larger is a client bug.
const maxFrameSize = 4 * 1024 * 1024

// StdioTransport pumps line-delimited JSON-RPC 2.0 frames between a
// reader/writer pair and a Server. In production the pair is os.Stdin and
// os.Stdout; tests substitute buffers.
//
// One request per line in, one response per line out. The out stream carries
// nothing but response frames; every diagnostic goes through a dedicated
// stderr logger, because a single stray byte on stdout corrupts the protocol.
type StdioTransport struct {
	srv *Server
	in  io.Reader
	out io.Writer
	log *log.Logger
}

// NewStdioTransport wires srv to the given streams.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		srv: srv,
		in:  in,
		out: out,
		log: log.New(os.Stderr, "stratum-mcp: ", log.LstdFlags),
	}
}

// Serve handles requests in arrival order until the reader is exhausted or
// ctx is cancelled. A clean EOF returns nil; cancellation returns ctx.Err()
// after the in-flight request has been answered.
func (t *StdioTransport) Serve(ctx context.Context) error {
	sc := bufio.NewScanner(t.in)
	sc.Buffer(make([]byte, maxFrameSize), maxFrameSize)

	for {
		if err := ctx.Err(); err != nil {
			t.log.Println("shutting down: context cancelled")
			return err
		}
		if !sc.Scan() {
			break
		}

		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := t.respond(ctx, line); err != nil {
			return err
		}
	}

	if err := sc.Err(); err != nil {
		t.log.Printf("read failed: %v", err)
		return fmt.Errorf("read request: %w", err)
	}
	t.log.Println("shutting down: input closed")
	return nil
}

// respond runs one request through the server and writes its response frame.
// The server encodes protocol-level failures (parse errors, unknown methods)
// into the frame itself; an error from HandleRequest means even that failed,
// so a fallback frame is synthesised to keep the framing intact.
func (t *StdioTransport) respond(ctx context.Context, line []byte) error {
	frame, err := t.srv.HandleRequest(ctx, line)
	if err != nil {
		t.log.Printf("request failed: %v", err)
		frame = fallbackErrorFrame(line, err)
	}
	if _, err := fmt.Fprintf(t.out, "%s\n", frame); err != nil {
		t.log.Printf("write failed: %v", err)
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// fallbackErrorFrame builds an internal-error response, recovering the
// request ID from the raw bytes when possible so the client can correlate it.
func fallbackErrorFrame(rawRequest []byte, cause error) []byte {
	var req struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &req)

	frame, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: cause.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return frame
}
