package tools

// Result is the unified return type from tool execution.
type Result struct {
	Output  string `json:"output"`             // content sent to the model
	Title   string `json:"title,omitempty"`    // short human-readable label
	IsError bool   `json:"is_error,omitempty"` // marks failure
	Err     error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(output string) *Result {
	return &Result{Output: output}
}

func ErrorResult(message string) *Result {
	return &Result{Output: message, IsError: true}
}

func (r *Result) WithTitle(title string) *Result {
	r.Title = title
	return r
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
