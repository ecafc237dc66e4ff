// Package logger provides structured logging for modelrun components
// using zerolog.
//
// It supports JSON and console output, level configuration, and
// component-scoped loggers carrying the run identity.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.NewDefault("modelrun").WithComponent("runner")
//	log.Info("model completed", logger.Fields(logger.FieldModel, "orders"))
package logger
