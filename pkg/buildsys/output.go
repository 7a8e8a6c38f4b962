package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

// WithLogger attaches logger to ctx. Without a logger, buildsys doesn't log anything.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

func log(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// taskLog tags every event with the task name. The console writer prints it as a prefix.
func taskLog(ctx context.Context, task *Task) *zerolog.Logger {
	logger := log(ctx).With().Str("task", task.Short).Logger()
	return &logger
}
