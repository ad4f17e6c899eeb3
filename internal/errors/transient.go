package errors

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsTransient reports whether err represents an infrastructure hiccup
// (DB unreachable, connection reset, deadline exceeded) rather than a
// deterministic domain failure. The circuit breaker fabric (C3) and
// retry/backoff loops consult this to decide whether a failure should
// count against a breaker or be retried at all.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57014", // query_canceled
			"53300", // too_many_connections
			"55P03", // lock_not_available
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "no such host", "eof"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
