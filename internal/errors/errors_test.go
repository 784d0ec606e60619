package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorFormatting(t *testing.T) {
	plain := NotFound("tenant missing")
	assert.Equal(t, "tenant missing", plain.Error())

	cause := errors.New("no rows")
	wrapped := Wrap(cause, ErrCodeNotFound, "tenant missing")
	assert.Equal(t, "tenant missing: no rows", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "ignored %d", 1))
}

func TestCodePredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Connection("db gone"))
	assert.True(t, IsConnection(err))
	assert.False(t, IsContention(err))
	assert.Equal(t, ErrCodeConnection, GetCode(err))

	assert.Equal(t, ErrorCode(""), GetCode(errors.New("plain")))
}

func TestMapDBErrorContextErrors(t *testing.T) {
	err := MapDBError(fmt.Errorf("exec: %w", context.DeadlineExceeded))
	assert.True(t, IsTimeout(err))

	err = MapDBError(fmt.Errorf("exec: %w", context.Canceled))
	assert.True(t, IsCanceled(err))
}

func TestMapDBErrorNoRows(t *testing.T) {
	err := MapDBError(fmt.Errorf("scan: %w", pgx.ErrNoRows))
	assert.True(t, IsNotFound(err))
}

func TestMapDBErrorPgCodes(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		check func(error) bool
	}{
		{name: "unique violation", code: pgerrcode.UniqueViolation, check: IsConflict},
		{name: "foreign key violation", code: pgerrcode.ForeignKeyViolation, check: IsConflict},
		{name: "check violation", code: pgerrcode.CheckViolation, check: IsValidation},
		{name: "not null violation", code: pgerrcode.NotNullViolation, check: IsValidation},
		{name: "statement timeout", code: pgerrcode.QueryCanceled, check: IsTimeout},
		{name: "too many connections", code: pgerrcode.TooManyConnections, check: IsContention},
		{name: "admin shutdown", code: pgerrcode.AdminShutdown, check: IsConnection},
		{name: "anything else", code: pgerrcode.DivisionByZero, check: IsInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: tt.code, ConstraintName: "some_idx"}
			mapped := MapDBError(pgErr)
			assert.True(t, tt.check(mapped), "unexpected mapping: %v", mapped)

			// The original PgError stays reachable for callers that need
			// the constraint name.
			var out *pgconn.PgError
			require.True(t, errors.As(mapped, &out))
			assert.Equal(t, tt.code, out.Code)
		})
	}
}

func TestMapDBErrorPassesUnknownErrorsThrough(t *testing.T) {
	cause := errors.New("business rule violated")
	assert.Equal(t, cause, MapDBError(cause))
	assert.NoError(t, MapDBError(nil))
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(syscall.ECONNREFUSED))
	assert.True(t, IsConnectionError(fmt.Errorf("write: %w", syscall.EPIPE)))
	assert.True(t, IsConnectionError(io.ErrUnexpectedEOF))
	assert.True(t, IsConnectionError(errors.New("dial tcp 10.0.0.1:5432: connection refused")))
	assert.True(t, IsConnectionError(Connection("wrapped")))

	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(errors.New("duplicate key value")))
	assert.False(t, IsConnectionError(context.Canceled))
}

func TestIsPoolExhausted(t *testing.T) {
	assert.True(t, IsPoolExhausted(&pgconn.PgError{Code: pgerrcode.TooManyConnections}))
	assert.True(t, IsPoolExhausted(errors.New("FATAL: remaining connection slots are reserved")))
	assert.True(t, IsPoolExhausted(Contention("acquire deadline")))

	assert.False(t, IsPoolExhausted(nil))
	assert.False(t, IsPoolExhausted(syscall.ECONNREFUSED))
}
