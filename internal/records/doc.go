// Package records runs record reads and writes against declared tables, one
// store transaction per operation, passing encrypted fields through the
// configured crypto provider on the way in and out.
package records
