package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	webctx "github.com/conduit-lang/fhirrouter/internal/web/context"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
	"go.uber.org/zap"
)

// RecoveryConfig holds configuration for the recovery middleware
type RecoveryConfig struct {
	Logger *zap.Logger
	// EnableStackTrace determines whether to log stack traces
	EnableStackTrace bool
	// ResponseHandler is an optional custom response handler
	ResponseHandler func(http.ResponseWriter, *http.Request, any)
}

// Recovery creates a middleware that turns handler panics into 500
// OperationOutcome responses
func Recovery(logger *zap.Logger) Middleware {
	return RecoveryWithConfig(RecoveryConfig{Logger: logger, EnableStackTrace: true})
}

// RecoveryWithConfig creates a recovery middleware with custom configuration
func RecoveryWithConfig(config RecoveryConfig) Middleware {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	respond := config.ResponseHandler
	if respond == nil {
		respond = defaultRecoveryResponse
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}

					fields := []zap.Field{
						zap.Error(PanicError(rec)),
						zap.String("request_id", webctx.GetRequestID(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					}
					if config.EnableStackTrace {
						fields = append(fields, zap.ByteString("stack", debug.Stack()))
					}
					logger.Error("panic recovered", fields...)

					respond(w, r, rec)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func defaultRecoveryResponse(w http.ResponseWriter, r *http.Request, rec any) {
	response.RenderErrorWithCode(w, http.StatusInternalServerError,
		fmt.Errorf("an unexpected error occurred"), "exception")
}

// PanicError converts a recovered panic value into an error
func PanicError(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", rec)
}
