/*
Package metrics exports storage metrics through prometheus.

# Overview

The Collector owns a private prometheus registry and records every backend
capability call, upload transfers, client pool occupancy, circuit breaker
state and backend switches. It satisfies pool.Observer and upload.Observer,
so pools and upload engines report to it directly.

	┌─────────────┐   ObservePool     ┌──────────────┐
	│  pool.Pool  ├──────────────────►│              │
	└─────────────┘                   │              │   /metrics
	┌─────────────┐   ObserveUpload   │  Collector   ├──────────────► promhttp
	│upload.Engine├──────────────────►│              │
	└─────────────┘                   │              │
	┌─────────────┐   RecordSwitch    │              │
	│  registry   ├──────────────────►│              │
	└─────────────┘                   └──────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Addr:      ":9090",
		Path:      "/metrics",
		Namespace: "storagehub",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

# Metrics

	storagehub_operations_total{backend,operation,result}
	storagehub_operation_duration_seconds{backend,operation}
	storagehub_upload_bytes_total{backend,strategy}
	storagehub_upload_duration_seconds{backend,strategy,result}
	storagehub_upload_parts_total{backend,result}
	storagehub_upload_aborts_total{backend,result}
	storagehub_pool_borrowed{pool}
	storagehub_pool_idle{pool}
	storagehub_pool_exhausted_total{pool}
	storagehub_registry_switches_total{kind,result}
	storagehub_registry_active_backend{kind}
	storagehub_circuit_breaker_state{backend}

The result label is "success" or the lower-case error kind of the failure,
which keeps label cardinality fixed.

A nil Collector, or one built with Enabled false, accepts every call and
records nothing.
*/
package metrics
