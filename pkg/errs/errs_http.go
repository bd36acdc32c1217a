package errs

import (
	stderrors "errors"
	"net/http"
)

// StatusCode maps an error to the HTTP status code the status server should
// respond with. Unknown errors are treated as internal.
func StatusCode(err error) int {
	return statusCode(err)
}

func statusCode(err error) int {
	var (
		badRequest   BadRequestError
		badRequestP  *BadRequestError
		notFound     NotFoundError
		notFoundP    *NotFoundError
		rateLimited  RateLimitExceededErr
		rateLimitedP *RateLimitExceededErr
	)
	switch {
	case stderrors.As(err, &badRequest), stderrors.As(err, &badRequestP):
		return http.StatusBadRequest
	case stderrors.As(err, &notFound), stderrors.As(err, &notFoundP):
		return http.StatusNotFound
	case stderrors.As(err, &rateLimited), stderrors.As(err, &rateLimitedP):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
