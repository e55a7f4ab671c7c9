// Package schema opens a store at the version implied by a set of table
// declarations and, when the stored version differs, reconciles the physical
// tables and indexes with the declarations inside one upgrade transaction.
package schema
