package good

import "net/http"

func writeErrorResponse(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("X-Request-ID", "req-1")
	w.WriteHeader(status)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("X-Request-ID", "req-1")
	w.WriteHeader(status)
}

func handleSubmit(w http.ResponseWriter, r *http.Request) {
	writeErrorResponse(w, http.StatusBadRequest, "validation", "bad params")
}
