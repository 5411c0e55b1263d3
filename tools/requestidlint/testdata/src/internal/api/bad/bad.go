package bad

import "net/http"

func handleSubmit(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "bad params", http.StatusBadRequest) // want "use writeErrorResponse helper to ensure X-Request-ID header is set instead of http.Error"
}

func handleCancel(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusInternalServerError) // want "use writeErrorResponse helper to ensure X-Request-ID header is set instead of calling WriteHeader directly"
}
