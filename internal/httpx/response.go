package httpx

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the {"detail": ...} body clients expect on failures.
func WriteError(w http.ResponseWriter, code int, detail string) {
	WriteJSON(w, code, errorBody{Detail: detail})
}
