package stratum

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Frames on the stratum wire are ASCII JSON objects terminated by a single
// newline. Lines that do not look like a complete object are discarded: the
// ethproxy dialect drops them silently, the others log a warning first.
type wireCodec struct {
	r      *bufio.Reader
	quiet  bool
	logger *zap.Logger
}

func newWireCodec(r io.Reader, quiet bool, logger *zap.Logger) *wireCodec {
	return &wireCodec{r: bufio.NewReader(r), quiet: quiet, logger: logger}
}

// readFrame blocks until the next newline and returns the line without its
// terminator. Incomplete frames yield ok=false and the caller keeps reading.
func (c *wireCodec) readFrame() (line string, ok bool, err error) {
	line, err = c.r.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) >= 2 && line[0] == '{' && line[len(line)-1] == '}' {
		return line, true, nil
	}
	if !c.quiet {
		c.logger.Warn("Discarding incomplete response", zap.String("line", line))
	}
	return "", false, nil
}

// request is an outbound wire message. Field order matters: the worker field
// sits between id and method for the ethproxy login, as in the reference
// implementations.
type request struct {
	ID     int           `json:"id"`
	Worker string        `json:"worker,omitempty"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func (r *request) marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// hashrateRequest is the jsonrpc-2.0 flavoured hashrate report (id 6).
type hashrateRequest struct {
	ID      int           `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// versionReply answers client.get_version.
type versionReply struct {
	Error  interface{} `json:"error"`
	ID     int64       `json:"id"`
	Result string      `json:"result"`
}

// response is one parsed inbound line. Requests pushed by the pool carry a
// method and params; replies carry result/error under the id we sent.
type response struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  json.RawMessage `json:"error"`
}

// msgID coerces the id field to an integer; notifications without a numeric
// id map to 0 and fall through to the method dispatch.
func (r *response) msgID() int64 {
	if len(r.ID) == 0 {
		return 0
	}
	var id int64
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return 0
	}
	return id
}

// errString extracts the human-readable member of a stratum error array.
func (r *response) errString() (string, bool) {
	if len(r.Error) == 0 {
		return "", false
	}
	var arr []interface{}
	if err := json.Unmarshal(r.Error, &arr); err != nil || len(arr) < 2 {
		return "", false
	}
	s, ok := arr[1].(string)
	if !ok {
		return "Unknown error", true
	}
	return s, true
}

func parseResponse(line string) (*response, error) {
	resp := new(response)
	if err := json.Unmarshal([]byte(line), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// resultBool reads a boolean result, defaulting to false on anything else.
func (r *response) resultBool() bool {
	var b bool
	if err := json.Unmarshal(r.Result, &b); err != nil {
		return false
	}
	return b
}

// array decodes a raw params/result member into a generic slice.
func array(raw json.RawMessage) ([]interface{}, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var arr []interface{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, false
	}
	return arr, true
}

func argString(arr []interface{}, i int) string {
	if i >= len(arr) {
		return ""
	}
	s, _ := arr[i].(string)
	return s
}

func argUint64(arr []interface{}, i int) uint64 {
	if i >= len(arr) {
		return 0
	}
	switch v := arr[i].(type) {
	case float64:
		return uint64(v)
	case string:
		return parseHeight(v)
	default:
		return 0
	}
}

func argFloat(arr []interface{}, i int, def float64) float64 {
	if i >= len(arr) {
		return def
	}
	f, ok := arr[i].(float64)
	if !ok {
		return def
	}
	return f
}
