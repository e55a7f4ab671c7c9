// Package fieldcrypt encrypts and decrypts named record fields in batches.
//
// A Provider works on whole batches of records. Pipeline is the standard
// Provider: it splits a batch in two halves, processes them concurrently and
// rewrites each present, non-empty field in place through a FieldCipher.
// XChaCha is the FieldCipher used in production. Its key is derived with
// HKDF-SHA256 once the store has been opened (see Initializer).
package fieldcrypt
