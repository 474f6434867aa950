// Package logging provides structured logging for specflow flows.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// persistent context attributes. Each feature flow writes to its own
// debug.log next to its state file so a flow can be audited after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/repo/.specflow/flows/add-auth", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	flowLogger := logger.WithFeature("add-auth").WithPhase("implementing")
//	flowLogger.Info("task committed", "task", 3, "commit", "9f1c2ab")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task committed","feature":"add-auth","phase":"implementing","task":3,"commit":"9f1c2ab"}
//
// # Thread Safety
//
// A [Logger] is safe for concurrent use. Child loggers created via the With*
// methods share the underlying writer.
package logging
