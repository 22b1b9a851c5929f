package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"quest-pipeline/broker"
	"quest-pipeline/cache"
)

// transient Postgres error classes: connection exceptions, serialization
// failures, deadlocks, admin shutdown and too many connections
var retryablePgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"57P01": true,
	"57P03": true,
	"53300": true,
}

// isRetryable reports whether err is worth another delivery attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, cache.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone):
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || retryablePgCodes[pgErr.Code]
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// resultOf maps a handler error onto the consumer's decision input.
func resultOf(logger zerolog.Logger, err error) broker.Result {
	if err == nil {
		return broker.Ack
	}
	if isRetryable(err) {
		logger.Warn().Err(err).Msg("transient failure, will retry")
		return broker.FailRetryable
	}
	logger.Error().Err(err).Msg("permanent failure")
	return broker.FailPermanent
}
