// Package setup loads and verifies the finalizer configuration file.
//
// This package is essentially a collection of defaults and file plumbing,
// and is therefore the only package that is allowed to call a global logger.
package setup
