// Package config provides configuration management for the bridge binaries.
//
// Configuration is loaded from SQLLS_* environment variables and validated
// on startup. Every option has a default, so a browser worker, which has no
// environment, runs on defaults alone.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg)
package config
