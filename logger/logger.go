// Package logger provides adapters for popular logger libraries to work with betula's Logger interface.
//
// The adapters allow you to use your existing logger with betula without writing boilerplate.
// Note that the standard library's slog.Logger already implements betula.Logger directly.
//
// Example with zap:
//
//	import (
//	    "betula"
//	    "betula/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := betula.Open("data.db", betula.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger
