package response

import (
	"encoding/json"
	"net/http"
)

// V1Response is the response envelope for all API responses
type V1Response struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse will write the result wrapped in the response envelope
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V1Response{
		Result:   result,
		Messages: []string{},
	})
}

// WriteError will write the Error with its status code in the response envelope
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	msgs := e.Messages
	if len(msgs) == 0 && len(e.Message) > 0 {
		msgs = []string{e.Message}
	}
	json.NewEncoder(w).Encode(V1Response{
		Result:   e.Result,
		Messages: msgs,
	})
}
