// Package capture defines the core types and contracts shared by the
// street-view capture pipeline: jobs, cached images, the content store,
// the durable status mirror, and the browser page surface strategies drive.
package capture
