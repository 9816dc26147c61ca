package middleware

import "net/http"

// RequestRecorder counts served requests.
type RequestRecorder interface {
	HTTPRequest(method string, status int)
}

// Metrics returns middleware that reports every response status to rec.
func Metrics(rec RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rec == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			rec.HTTPRequest(r.Method, rw.statusCode)
		})
	}
}
