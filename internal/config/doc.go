// Package config handles configuration loading for tablecache.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, environment overrides, and validation.
//
// # Configuration File
//
// Default location:
//
//  1. Path from TABLECACHE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tablecache/config.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	crypto:
//	  key: "${TABLECACHE_FIELD_KEY}"
//
// Unset variables expand to an empty string.
//
// # Environment Overrides
//
// After decoding, TABLECACHE_<SECTION>_<FIELD> variables replace file values,
// for example TABLECACHE_STORE_PATH or TABLECACHE_LOG_LEVEL. Tables can only
// be declared in the file.
//
// # Tables
//
// Each table names its cached URL, primary key, version and indexes. Key
// paths are a dotted string or a list of dotted strings for composite keys:
//
//	tables:
//	  - name: items
//	    url: /api/items
//	    primary_key: id
//	    version: 2
//	    indexes:
//	      by_owner:
//	        key: [owner, created]
//	    encrypt: [secret]
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	store:
//	  watch_interval: "2s"
//	cache:
//	  dedupe_window: "30s"
package config
