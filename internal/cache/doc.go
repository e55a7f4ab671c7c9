// Package cache maps URLs to the declared tables that cache their data.
//
// A Directory keeps one entry per table in a reserved directory table,
// recording which table version and which encrypted fields the cached data
// was written with and when. Reads of a URL whose entry was written under a
// different table version are misses.
package cache
