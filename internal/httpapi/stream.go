package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/erauner12/bucketsync/internal/auth"
	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/syncer"
	"github.com/erauner12/bucketsync/internal/wire"
)

// wsOpenTimeout bounds the wait for the opening stream request message.
const wsOpenTimeout = 30 * time.Second

// streamHTTP serves the chunked-HTTP flavor of the sync stream. JSON streams
// are newline-delimited; BSON streams rely on the documents' own length
// prefixes. The response stays open until the client disconnects, the token
// expires or the stream fails.
func (s *Server) streamHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromContext(r.Context())
	req, err := decodeStreamRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	codec := wire.NewCodec(req)

	if codec.Binary() {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Cache-Control", "no-store")

	flusher, _ := w.(http.Flusher)
	sink := &httpSink{
		flusher: flusher,
		buf:     bufio.NewWriterSize(w, 32<<10),
		binary:  codec.Binary(),
	}

	err = s.syncer.Stream(r.Context(), s.conn(token, req, sink))
	switch {
	case err == nil || r.Context().Err() != nil:
		_ = sink.Flush(r.Context())
	case !sink.wrote:
		// Nothing streamed yet, so the failure can still be a plain coded
		// response.
		writeError(w, r, err)
	default:
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("sync stream failed")
		if frame, merr := codec.Marshal(errcode.AsError(err)); merr == nil {
			_ = sink.Line(r.Context(), frame)
			_ = sink.Flush(r.Context())
		}
	}
}

// streamWebsocket serves the websocket flavor. The client opens with one
// message carrying the stream request (send {} for defaults); every frame
// then travels as its own message, text for JSON streams and binary for BSON.
func (s *Server) streamWebsocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromContext(r.Context())

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.opts.CORSOrigins),
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream aborted")

	openCtx, cancel := context.WithTimeout(r.Context(), wsOpenTimeout)
	_, data, err := c.Read(openCtx)
	cancel()
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, "expected a stream request")
		return
	}
	req := &wire.StreamRequest{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, req); err != nil {
			closeStream(c, wire.NewCodec(req),
				errcode.Newf(errcode.CodeInvalidRequest, "invalid stream request: %v", err))
			return
		}
	}
	codec := wire.NewCodec(req)

	// No further client messages are expected. CloseRead turns the peer
	// closing the connection into context cancellation.
	ctx := c.CloseRead(r.Context())
	sink := &wsSink{c: c, binary: codec.Binary()}

	err = s.syncer.Stream(ctx, s.conn(token, req, sink))
	if err == nil || ctx.Err() != nil {
		c.Close(websocket.StatusNormalClosure, "")
		return
	}
	closeStream(c, codec, err)
}

// conn assembles the stream connection, trimming the expiry margin off the
// token lifetime so clients reconnect with a fresh token instead of dying
// mid-line.
func (s *Server) conn(token *auth.VerifiedToken, req *wire.StreamRequest, sink syncer.Sink) syncer.Conn {
	expires := token.ExpiresAt
	if !expires.IsZero() && s.opts.TokenExpiryMargin > 0 {
		expires = expires.Add(-s.opts.TokenExpiryMargin)
	}
	return syncer.Conn{
		UserID:     token.UserID,
		Parameters: token.Parameters,
		ExpiresAt:  expires,
		Request:    req,
		Sink:       sink,
	}
}

// decodeStreamRequest parses the request body. An empty body selects the
// defaults.
func decodeStreamRequest(r *http.Request) (*wire.StreamRequest, error) {
	req := &wire.StreamRequest{}
	if r.Body == nil {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "invalid stream request: %v", err)
	}
	return req, nil
}

// closeStream sends the coded error as a final frame in the stream's
// encoding, then closes with the code as the close reason. The stream context
// may already be gone, so the final frame gets its own short deadline.
func closeStream(c *websocket.Conn, codec wire.Codec, err error) {
	coded := errcode.AsError(err)
	if frame, merr := codec.Marshal(coded); merr == nil {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		mt := websocket.MessageText
		if codec.Binary() {
			mt = websocket.MessageBinary
		}
		_ = c.Write(writeCtx, mt, frame)
		cancel()
	}
	c.Close(websocket.StatusInternalError, string(coded.Code))
}

// httpSink frames stream lines onto a chunked HTTP response. Small lines
// batch in the buffer until the orchestrator flushes; Flush pushes the chunk
// to the client immediately.
type httpSink struct {
	flusher http.Flusher
	buf     *bufio.Writer
	binary  bool
	wrote   bool
}

func (s *httpSink) Line(_ context.Context, frame []byte) error {
	s.wrote = true
	if _, err := s.buf.Write(frame); err != nil {
		return err
	}
	if !s.binary {
		return s.buf.WriteByte('\n')
	}
	return nil
}

func (s *httpSink) Flush(context.Context) error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// wsSink writes each frame as one websocket message, so framing needs no
// delimiters and Flush has nothing to do.
type wsSink struct {
	c      *websocket.Conn
	binary bool
}

func (s *wsSink) Line(ctx context.Context, frame []byte) error {
	mt := websocket.MessageText
	if s.binary {
		mt = websocket.MessageBinary
	}
	return s.c.Write(ctx, mt, frame)
}

func (s *wsSink) Flush(context.Context) error { return nil }
