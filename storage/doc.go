// Package storage provides the object storage that materialized model output
// is written to.
//
// # Backends
//
//   - storage/local: local filesystem, for development and tests
//   - storage/s3: Amazon S3 and S3-compatible storage
//
// # Configuration
//
//	storage:
//	  provider: "s3"
//	  bucket: "model-output"
//	  region: "us-east-1"
package storage
