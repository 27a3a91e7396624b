/*
Package config loads storagehub settings from defaults, a YAML file and
STORAGEHUB_* environment variables.

Precedence, highest first:

	┌──────────────────────────────┐
	│ CLI flags (bound by viper)   │
	├──────────────────────────────┤
	│ STORAGEHUB_* environment     │
	├──────────────────────────────┤
	│ YAML file (--config)         │
	├──────────────────────────────┤
	│ NewDefault()                 │
	└──────────────────────────────┘

Sizes are human strings ("5MiB", "100MB") parsed with go-humanize, and
durations use Go syntax ("30s", "15m").

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_addr: ":9090"
	store:
	  driver: sqlite
	  dsn: /var/lib/storagehub/storagehub.db
	local:
	  root: /var/lib/storagehub/data
	  threshold: 5MiB
	pool:
	  max_total: 16
	  max_wait: 30s
	upload:
	  min_part_size: 5MiB
	  max_part_size: 100MiB
	  workers: 8
	registry:
	  retire_after: 30s
	links:
	  ttl: 15m

The conversion helpers (ClientPoolConfig, RetryPolicy, BreakerConfig,
UploadLimits, UploadOptions) hand each section to the package that consumes it.
*/
package config
