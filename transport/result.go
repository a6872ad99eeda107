package transport

// Result is the uniform envelope handed to listeners when the transport runs WithEnvelope.
type Result struct {
	Status  int    `json:"status"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	Extra   any    `json:"extraData,omitempty"`
}

func ParseResult(status int, data any, message string, extra any) Result {
	return Result{
		Status:  status,
		Data:    data,
		Message: message,
		Extra:   extra,
	}
}

// OK reports whether the status is a 2xx.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}
