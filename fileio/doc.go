// Package fileio provides a Producer and Consumer pair backed by local
// files: Reader and Writer open their files without OS buffering where the
// platform supports it, perform sector-aligned reads and writes directly
// against a buffer.Buffer's memory, and Writer truncates its output to the
// true byte length once the stream ends.
package fileio
