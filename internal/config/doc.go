// Package config provides configuration parsing and validation for isodb.
//
// # Overview
//
// Configuration is read from YAML. Every setting has a default, so an empty
// file (or no file) yields a working engine:
//
//	engine:
//	  lockTimeout: 5s
//	  deadlockInterval: 100ms
//	  gcInterval: 30s
//	  defaultIsolation: read-committed
//	logging:
//	  level: info
//	  format: text
//	  output: stderr
//
// # Loading Configuration
//
//	cfg, err := config.LoadConfig("isodb.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    ...
//	}
//
// # Environment Variables
//
// Values may reference the environment as ${VAR} or ${VAR:-default}:
//
//	engine:
//	  lockTimeout: ${ISODB_LOCK_TIMEOUT:-2s}
package config
