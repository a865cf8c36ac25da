package confirms

import "context"

// Logger is an interface that is satisfied by the v1/logger.Logger interface.
type Logger interface {
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}
