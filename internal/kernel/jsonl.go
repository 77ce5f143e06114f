package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
)

// Request ops written to the bridge's stdin.
const (
	opExecute = "execute"
)

// bridgeRequest is one line on the bridge's stdin.
type bridgeRequest struct {
	Op string `json:"op"`
	core.ExecuteRequest
}

type jsonlStream struct {
	reader *bufio.Reader
}

type jsonlDecodeError struct {
	line []byte
	err  error
}

func (e *jsonlDecodeError) Error() string {
	if e == nil || e.err == nil {
		return "jsonl decode error"
	}
	return e.err.Error()
}

func (e *jsonlDecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *jsonlDecodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

func newJSONLStream(r io.Reader) *jsonlStream {
	return &jsonlStream{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next message envelope decoded into a typed message.
func (s *jsonlStream) Next(ctx context.Context) (schema.Message, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		msg, decodeErr := decodeMessage(line)
		if decodeErr != nil {
			return nil, &jsonlDecodeError{line: append([]byte(nil), line...), err: decodeErr}
		}
		return msg, nil
	}
}

func decodeMessage(line []byte) (schema.Message, error) {
	var env schema.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	return schema.DecodeMessage(env)
}

func encodeRequest(req bridgeRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
