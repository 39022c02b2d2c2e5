// Package history persists recent deployment records.
//
// The FileRepository keeps a bounded YAML list on disk, newest last, and
// exposes a Repository interface the pipeline depends on.
package history
