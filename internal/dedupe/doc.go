// Package dedupe remembers recently written payload digests per URL so that
// replacing a URL's data with an identical payload inside a configurable window
// can skip the rewrite.
package dedupe
