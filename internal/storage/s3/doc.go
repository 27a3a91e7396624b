/*
Package s3 implements the remote storage backends on S3-compatible object
stores.

One adapter serves every remote kind. The kinds differ only in their
Profile: endpoint template, default region, addressing style, upload
threshold and whether objects may be streamed through the process.

	oss    https://oss-{region}.aliyuncs.com   virtual-hosted   5 MiB
	cos    https://cos.{region}.myqcloud.com   virtual-hosted   5 MiB
	kodo   https://s3.{region}.qiniucs.com     virtual-hosted   4 MiB
	minio  configured endpoint                 path-style       5 MiB, direct stream

# Call path

Every SDK call borrows a *Client from a pool.Pool, runs inside the
backend's circuit breaker and the retry policy, and is recorded by the
metrics collector:

	retryer.Do( breaker.Execute( pool.With( sdk call ) ) )

SDK errors are translated into *errors.StorageError inside the pool
callback, so the breaker and the retryer only see storage error codes.
Missing objects, bad input and credential problems never trip the breaker
and are never retried.

# Uploads

Upload hands the payload to an upload.Engine with an objectTransport bound
to the resolved bucket and key. Small payloads are buffered and sent in
one PutObject; larger ones use a multipart session whose parts are read
sequentially and sent by a bounded worker pool.

# Links and streaming

Download and preview links are presigned GET requests against the private
bucket, with a Content-Disposition override. MinIO backends also implement
types.DirectStreamer; the pooled client is held until the stream is closed.

# Validation

Probe exposes the raw bucket and object calls the config validator needs.
It uses its own client, so validating a candidate configuration never
touches the pool of the active backend.
*/
package s3
