// Package environment owns the host's chroot build environments: a bbolt-backed
// supervisor that leases configurations to workers and recovers leases whose
// owner process has died, and a Handle wrapping the chroot toolchain
// invocations (init, install, buildsrpm, rebuild, shell, copyin, scrub) that a
// leased environment exposes to the builder.
package environment
