// Package iox holds small I/O cleanup helpers shared across the tree.
package iox

import "io"

// DiscardClose closes c, swallowing the error. For deferred cleanup of
// readers and response bodies where a close failure changes nothing:
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }
