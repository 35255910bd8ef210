package middleware

import "net/http"

// Chain composes middleware so that Chain(A, B, C)(h) is A(B(C(h))). The
// first middleware sees the request first.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
