package store

import (
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgxpool"

	"flowscan-clone/internal/rpcerr"
)

// wrapDBErr classifies a raw pgx/pgxpool error into the §7 taxonomy before
// attaching format/args as context, the same shape as fmt.Errorf with err
// appended last. Connectivity loss (a closed pool, a dial failure, a
// connection timed out at acquire) is Fatal: no amount of per-cycle retrying
// fixes a dead database, and the worker loop should surface it as the
// registry's "error" state rather than spin silently. Anything else (a single
// query's deadline, a constraint violation) is left unclassified so the
// caller's loop treats it as an ordinary retryable condition.
func wrapDBErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf(format+": %w", append(append([]any{}, args...), err)...)
	if isConnectivityErr(err) {
		return rpcerr.Fatal(wrapped)
	}
	return wrapped
}

func isConnectivityErr(err error) bool {
	if errors.Is(err, pgxpool.ErrClosedPool) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
