// Package uploader pushes build artifacts to the content store over its
// chunked upload protocol: reserve an upload, PUT ranged chunks, commit with
// the artifact's SHA-256, then poll until the store finishes processing it.
package uploader
