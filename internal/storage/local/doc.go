// Package local implements the storage backend on a local directory tree.
//
// Objects live at {root}/{bucket}/{key}. Every upload is written to a temp
// file in the destination directory, checked against the declared size and
// renamed into place, so readers never observe a partial object. The
// filesystem is an afero.Fs, which lets tests run on an in-memory tree.
//
// The local backend is the fallback used when no remote backend is active.
// It always supports direct streaming; links point at the configured file
// server base URL.
package local
