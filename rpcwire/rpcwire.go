// Package rpcwire implements the daemon's wire transports: a 4-byte
// big-endian length-prefixed JSON frame codec for persistent connections,
// an HTTP/1.1 POST wrapper for one-shot calls, and a websocket push channel
// for the daemon's event stream.
package rpcwire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single frame's declared length, guarding a reader
// against a corrupt or hostile length prefix requesting an unbounded alloc.
const MaxFrameLen = 16 << 20 // 16 MiB

// Request is one RPC call: method plus arbitrary params, correlated to its
// Response by ID.
type Request struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response answers a Request: exactly one of Result/Error is populated.
type Response struct {
	ID     string                 `json:"id"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  *ResponseError         `json:"error,omitempty"`
}

// ResponseError mirrors daemon.RPCError on the wire.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FrameReader reads length-prefixed JSON frames from a buffered reader.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r *bufio.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadRequest reads one frame and decodes it as a Request.
func (fr *FrameReader) ReadRequest() (Request, error) {
	var req Request
	body, err := fr.readFrame()
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("decode request frame: %w", err)
	}
	return req, nil
}

// ReadResponse reads one frame and decodes it as a Response.
func (fr *FrameReader) ReadResponse() (Response, error) {
	var resp Response
	body, err := fr.readFrame()
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("decode response frame: %w", err)
	}
	return resp, nil
}

func (fr *FrameReader) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, MaxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// FrameWriter writes length-prefixed JSON frames.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteRequest encodes req as JSON and writes it as one length-prefixed frame.
func (fw *FrameWriter) WriteRequest(req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return fw.writeFrame(body)
}

// WriteResponse encodes resp as JSON and writes it as one length-prefixed frame.
func (fw *FrameWriter) WriteResponse(resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return fw.writeFrame(body)
}

func (fw *FrameWriter) writeFrame(body []byte) error {
	if len(body) > MaxFrameLen {
		return fmt.Errorf("frame length %d exceeds max %d", len(body), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(body)
	return err
}
