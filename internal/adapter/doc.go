/*
Package adapter assembles a running storagehub from its configuration.

New builds the components in dependency order:

	config ─► metrics collector
	       ─► config store (gorm) ─► optional redis active pointer
	       ─► local backend (fallback, always available)
	       ─► validator
	       ─► registry (local backend + remote driver table)

Start asks the registry to restore the persisted backend, falling back to
the local backend when it cannot. Serve mounts the HTTP endpoints of
pkg/api, the prometheus handler and the local file handler, and blocks
until its context ends. Stop releases everything in reverse order and may
be called on a partially built Adapter.

The remote driver table covers every remote kind with the S3-compatible
adapter; per-kind differences live in the s3 package's profiles.
*/
package adapter
