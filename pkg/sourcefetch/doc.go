// Package sourcefetch acquires a task's sources onto local disk: a git
// checkout through a shared mirror cache, a sidecar metadata + tarball
// download over HTTP, or unpacking a src-RPM already produced by a prior
// build stage. Git and tar run as external tools; the src-RPM payload is
// read in-process with a cpio reader and the sidecar tarball is fetched with
// net/http. The package also manages the mirror cache directory layout and
// locking.
package sourcefetch
