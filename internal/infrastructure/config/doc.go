// Package config handles loading and validating Gray Logic Access configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional .env file into the process environment
//   - Overriding with GRAYLOGIC_* environment variables
//   - Validation of required fields and of the registered RBAC sets
//
// Security Considerations:
//   - Sensitive values (JWT secret, broker passwords, InfluxDB token) should
//     be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The HTTP service refuses to start with a JWT secret shorter than 32 characters
//
// Usage:
//
//	_ = config.LoadDotEnv(".env")
//	cfg, err := config.Load("configs/access.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.RBAC.SuperRole)
package config
