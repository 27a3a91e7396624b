/*
Package types provides the shared data model and the uniform capability contract for storagehub.

Every storage kind (three commercial object stores, a self-hosted object store and the
local filesystem) implements the same Backend interface, so the rest of an application
never needs to know which one is active.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│          Registry & Switch Controller       │
	│            (internal/registry)              │
	└─────────────────────────────────────────────┘
	          │ Current()             │ Switch()
	┌─────────┴──────────┐   ┌────────┴──────────┐
	│   types.Backend    │   │ Config Validator  │
	│ s3 adapter │ local │   │(internal/validator)│
	└────────────────────┘   └───────────────────┘
	     │          │
	┌────┴───┐ ┌────┴─────┐ ┌──────────┐
	│  Pool  │ │ Resolver │ │  Upload  │
	└────────┘ └──────────┘ └──────────┘

# Core Types

BackendKind is closed: oss, cos, kodo, minio and local. ParseBackendKind rejects anything
else with an InvalidInput error.

Visibility selects a bucket namespace. PRIVATE objects are keyed under the owner id,
PUBLIC objects are not, and USER_INFO objects live under a reserved prefix in their own
bucket. The mapping is deterministic, so a stored key can always be recomputed from
(visibility, owner id, logical path).

BackendConfig carries the credentials, endpoint and the three bucket names of one backend.
Stored configs are immutable; a change is a new config followed by a switch.

UploadUnit, PartResult and UploadResult describe one upload request, one acknowledged
part of a multipart transfer, and the stored object respectively.

# Direct Streaming

Some kinds have no public URL scheme. They report SupportsDirectStream() == true and also
implement DirectStreamer; callers branch on the discriminator only:

	if backend.SupportsDirectStream() {
		stream, err := backend.(types.DirectStreamer).OpenStream(ctx, key)
		...
	}

# Thread Safety

Backend implementations are safe for concurrent use. Each call borrows its own pooled
client, so unrelated calls never serialize on a shared lock.
*/
package types
