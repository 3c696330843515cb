package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result is the settled outcome of one step dispatch. Failed marks an
// agent-reported business failure, which is terminal for the execution even
// when the HTTP exchange itself succeeded.
type Result struct {
	Failed bool
	Output string
	Raw    json.RawMessage
}

// ParseResult decodes an agent response body. The agent nests content under
// several historical aliases (`output.Output` vs `output.output`, `Error` vs
// `error`), tried left to right; anything unrecognized is an opaque
// successful text result rather than a parse error.
func ParseResult(body []byte) Result {
	result := Result{Raw: rawMessage(body)}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		var text string
		if json.Unmarshal(body, &text) == nil {
			result.Output = text
		} else {
			result.Output = string(body)
		}

		return result
	}

	payload := decoded
	if nested, ok := decoded["output"].(map[string]any); ok {
		payload = nested
	}

	if flag, ok := firstBool(payload, "Error", "error"); ok {
		result.Failed = flag
	}

	if content, ok := firstValue(payload, "Output", "output", "result", "response"); ok {
		result.Output = stringify(content)
	} else {
		result.Output = string(body)
	}

	return result
}

// TaskID extracts an asynchronous task id from a response body. The aliases
// are tried in the order task_id, taskId, id; absence of all three means the
// body is a synchronous result.
func TaskID(body []byte) (string, bool) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", false
	}

	value, ok := firstValue(decoded, "task_id", "taskId", "id")
	if !ok {
		return "", false
	}

	id := stringify(value)

	return id, id != ""
}

// pollState is the decoded form of a GET status/{task_id} response.
type pollState struct {
	Status string
	Result Result
	Error  string
}

func parsePollState(body []byte) pollState {
	state := pollState{Result: ParseResult(body)}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return state
	}

	if status, ok := decoded["status"].(string); ok {
		state.Status = strings.ToLower(status)
	}

	if content, ok := firstValue(decoded, "result", "response"); ok {
		state.Result = resultFromValue(content)
	}

	if errText, ok := decoded["error"].(string); ok {
		state.Error = errText
	}

	return state
}

func resultFromValue(value any) Result {
	if text, ok := value.(string); ok {
		return Result{Output: text, Raw: mustJSON(text)}
	}

	return ParseResult(mustJSON(value))
}

func firstValue(payload map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := payload[key]; ok && value != nil {
			return value, true
		}
	}

	return nil, false
}

func firstBool(payload map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if flag, ok := payload[key].(bool); ok {
			return flag, true
		}
	}

	return false, false
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; ids are whole numbers.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}

		return fmt.Sprintf("%v", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(data)
	}
}

// rawMessage keeps a JSON body verbatim; a plain-text body is encoded as a
// JSON string so the raw response stays marshalable inside a result record.
func rawMessage(body []byte) json.RawMessage {
	if json.Valid(body) {
		return append(json.RawMessage(nil), body...)
	}

	encoded, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}

	return encoded
}

func mustJSON(value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		return []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", value)))
	}

	return data
}
