// Package config loads retry policies from YAML files and the process
// environment.
//
// A config file declares a default policy plus named per-component
// overrides:
//
//	default:
//	  max_attempts: 5
//	  initial_delay: 200ms
//	  max_delay: 10s
//	  factor: 2.0
//	policies:
//	  redis:
//	    max_attempts: 20
//	    initial_delay: 50ms
//	  reports:
//	    jitter_factor: 0
//
// Named policies inherit every field they leave unset from the default
// section. Durations accept Go duration strings ("200ms", "1.5s"); bare
// numbers are nanoseconds. After the file is read, environment variables
// override the default section: RETRY_MAX_ATTEMPTS, RETRY_INITIAL_DELAY,
// RETRY_MAX_DELAY, RETRY_FACTOR, RETRY_JITTER_FACTOR and RETRY_COMPONENT
// (the prefix is configurable through WithEnvPrefix). A missing file is
// not an error; the library defaults plus environment overrides apply.
package config
