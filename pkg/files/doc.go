// Package files materializes a workload's declared files on the host
// under <run>/<wl_name>.<cfg_hash>/files/<mount_point> before the
// runtime connector starts the container, and removes them atomically
// on any failure.
package files
