package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/store"
)

// Executor is the subset of the store the dispatcher routes to.
// *store.Store satisfies it.
type Executor interface {
	Query(ctx context.Context, query string, params ...any) (store.WriteResult, error)
	Exec(ctx context.Context, script string) error
	Get(ctx context.Context, query string, params ...any) (store.Row, error)
	All(ctx context.Context, query string, params ...any) ([]store.Row, error)
}

// Response is produced exactly once for every operation.
type Response struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Failure builds an unsuccessful response.
func Failure(correlationID string, err error) Response {
	return Response{
		Success:       false,
		Error:         err.Error(),
		CorrelationID: correlationID,
	}
}

// Dispatcher routes operations to the store. It holds no per-request state
// and may be called from any goroutine; the store serializes access.
type Dispatcher struct {
	exec   Executor
	logger *log.Logger
}

// New creates a dispatcher over exec.
// If logger is nil, a default logger writing to stderr is used.
func New(exec Executor, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[dispatch] ", log.LstdFlags)
	}
	return &Dispatcher{exec: exec, logger: logger}
}

// Execute runs op and returns its response. It never panics and never
// returns an error: every failure is folded into the envelope.
//
// Parameters are ignored for exec, which runs the script as-is.
func (d *Dispatcher) Execute(ctx context.Context, op Operation) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("Recovered from panic executing %s: %v", op.Kind, r)
			resp = Failure(op.CorrelationID, fmt.Errorf("internal error: %v", r))
		}
	}()

	logging.Debugf(d.logger, "%s %q params=%v", op.Kind, op.SQL, op.Params)

	var (
		data any
		err  error
	)

	switch op.Kind {
	case KindQuery:
		data, err = d.exec.Query(ctx, op.SQL, op.Params...)
	case KindExec:
		err = d.exec.Exec(ctx, op.SQL)
	case KindGet:
		var row store.Row
		row, err = d.exec.Get(ctx, op.SQL, op.Params...)
		if row != nil {
			data = row
		}
	case KindAll:
		data, err = d.exec.All(ctx, op.SQL, op.Params...)
	default:
		return Failure(op.CorrelationID, fmt.Errorf("unknown operation kind: %s", op.Kind))
	}

	if err != nil {
		logging.Debugf(d.logger, "%s failed: %v", op.Kind, err)
		return Failure(op.CorrelationID, err)
	}

	return Response{
		Success:       true,
		Data:          data,
		CorrelationID: op.CorrelationID,
	}
}
