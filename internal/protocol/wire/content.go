package wire

// ExecuteRequest is the execute_request content document.
type ExecuteRequest struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

// NewExecuteRequest returns the content the bridge sends for a pod run.
func NewExecuteRequest(code string) ExecuteRequest {
	return ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]string{},
		StopOnError:     true,
	}
}

// ShutdownRequest is the shutdown_request content document.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// Execution states reported by status messages.
const (
	StateStarting = "starting"
	StateBusy     = "busy"
	StateIdle     = "idle"
)

// Status is the status content document.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// MIME bundle keys read out of execute_result and display_data.
const (
	MIMEText = "text/plain"
	MIMEHTML = "text/html"
	MIMEPNG  = "image/png"
)

// ExecuteResult is the execute_result and display_data content document.
type ExecuteResult struct {
	ExecutionCount int            `json:"execution_count,omitempty"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

// MIME returns the string form of one MIME bundle entry.
func (r ExecuteResult) MIME(kind string) string {
	v, ok := r.Data[kind]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []any:
		// Some kernels send multiline bundles as string arrays.
		var out string
		for _, part := range t {
			if s, ok := part.(string); ok {
				out += s
			}
		}
		return out
	default:
		return ""
	}
}

// Stream names carried by stream messages.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Stream is the stream content document.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Error is the error content document.
type Error struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}
