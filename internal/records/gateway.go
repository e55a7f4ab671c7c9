// ABOUTME: Transactional gateway for reading and writing records of declared tables
// ABOUTME: Encrypts on write, decrypts on read and resolves key lists with a cursor merge-join

package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/tablecache/internal/fieldcrypt"
	"github.com/2389/tablecache/internal/idb"
	"github.com/2389/tablecache/internal/schema"
)

var (
	// ErrUnknownTable means the table was never declared.
	ErrUnknownTable = errors.New("records: unknown table")
	// ErrInvalidArgument means the call's input is malformed.
	ErrInvalidArgument = errors.New("records: invalid argument")
)

// AddResult summarizes a batch write.
type AddResult struct {
	Added   int
	Skipped int
	// Keys holds the primary key of every written record, in input order.
	Keys []any
}

// Gateway performs record operations through a schema engine's store.
type Gateway struct {
	engine *schema.Engine
	logger *slog.Logger
}

// New creates a gateway over engine. Pass nil logger for default.
func New(engine *schema.Engine, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		engine: engine,
		logger: logger.With("component", "records", "store", engine.Name()),
	}
}

func (g *Gateway) declaration(table string) (schema.TableDeclaration, error) {
	d, ok := g.engine.Declaration(table)
	if !ok {
		return schema.TableDeclaration{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return d, nil
}

func (g *Gateway) begin(ctx context.Context, mode idb.Mode, table string) (idb.Tx, error) {
	db, err := g.engine.Database()
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin(ctx, mode, table)
	if err != nil {
		return nil, fmt.Errorf("beginning %s transaction on %q: %w", mode, table, err)
	}
	return tx, nil
}

func (g *Gateway) crypto(fields []string) (fieldcrypt.Provider, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	p := g.engine.Crypto()
	if p == nil {
		return nil, fmt.Errorf("%w: %d encrypted fields but no crypto provider", fieldcrypt.ErrMissingCipher, len(fields))
	}
	return p, nil
}

func (g *Gateway) decrypt(ctx context.Context, table string, recs []idb.Record, fields []string) error {
	p, err := g.crypto(fields)
	if err != nil || p == nil {
		return err
	}
	if err := p.DecryptRecords(ctx, recs, fields); err != nil {
		return fmt.Errorf("decrypting %q: %w", table, err)
	}
	return nil
}

// encrypted returns recs ready for storage: deep copies with encrypted
// fields sealed, or recs itself when the table stores no ciphertext.
func (g *Gateway) encrypted(ctx context.Context, d schema.TableDeclaration, recs []idb.Record) ([]idb.Record, error) {
	p, err := g.crypto(d.Encrypt)
	if err != nil || p == nil {
		return recs, err
	}
	copies := cloneRecords(recs)
	if err := p.EncryptRecords(ctx, copies, d.Encrypt); err != nil {
		return nil, fmt.Errorf("encrypting %q: %w", d.Name, err)
	}
	return copies, nil
}

func validateRecords(recs []idb.Record) error {
	if recs == nil {
		return fmt.Errorf("%w: records must be a list", ErrInvalidArgument)
	}
	for i, rec := range recs {
		if rec == nil {
			return fmt.Errorf("%w: record %d is nil", ErrInvalidArgument, i)
		}
	}
	return nil
}

// GetAll returns every record of table in key order, decrypting fields when given.
func (g *Gateway) GetAll(ctx context.Context, table string, fields []string) ([]idb.Record, error) {
	if _, err := g.declaration(table); err != nil {
		return nil, err
	}
	tx, err := g.begin(ctx, idb.ReadOnly, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	recs, err := tx.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := g.decrypt(ctx, table, recs, fields); err != nil {
		return nil, err
	}
	return recs, nil
}

// Count returns the number of records in table.
func (g *Gateway) Count(ctx context.Context, table string) (int, error) {
	if _, err := g.declaration(table); err != nil {
		return 0, err
	}
	tx, err := g.begin(ctx, idb.ReadOnly, table)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	return tx.Count(ctx, table)
}

// GetByKey returns the records whose primary key (or index key, when index is
// set) equals one of keys, in key order. keys are sorted first unless sorted
// is true.
func (g *Gateway) GetByKey(ctx context.Context, table, index string, keys []any, sorted bool) ([]idb.Record, error) {
	d, err := g.declaration(table)
	if err != nil {
		return nil, err
	}
	if index != "" {
		if _, ok := d.Indexes[index]; !ok {
			return nil, fmt.Errorf("%w: index %q is not declared on %q", ErrInvalidArgument, index, table)
		}
	}
	if len(keys) == 0 {
		return []idb.Record{}, nil
	}

	targets, err := encodeTargets(keys, sorted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	tx, err := g.begin(ctx, idb.ReadOnly, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := tx.OpenCursor(ctx, table, index, idb.KeyRange{
		Lower: targets[0],
		Upper: targets[len(targets)-1],
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close() }()

	found, err := mergeJoin(ctx, cur, targets)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := g.decrypt(ctx, table, found, d.ReadFields()); err != nil {
		return nil, err
	}
	return found, nil
}

// AddRecords inserts recs in one transaction. With ignoreDuplicateKey, records
// whose key already exists are skipped and the rest are still inserted.
func (g *Gateway) AddRecords(ctx context.Context, table string, recs []idb.Record, ignoreDuplicateKey bool) (*AddResult, error) {
	d, err := g.declaration(table)
	if err != nil {
		return nil, err
	}
	if err := validateRecords(recs); err != nil {
		return nil, err
	}
	stored, err := g.encrypted(ctx, d, recs)
	if err != nil {
		return nil, err
	}

	tx, err := g.begin(ctx, idb.ReadWrite, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result := &AddResult{Keys: make([]any, 0, len(stored))}
	for i, rec := range stored {
		key, err := tx.Add(ctx, table, rec)
		if err != nil {
			if ignoreDuplicateKey && errors.Is(err, idb.ErrConstraint) {
				result.Skipped++
				continue
			}
			return nil, fmt.Errorf("adding record %d to %q: %w", i, table, err)
		}
		result.Added++
		result.Keys = append(result.Keys, key)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	g.logger.Debug("records added", "table", table, "added", result.Added, "skipped", result.Skipped)
	return result, nil
}

// ReplaceAll clears table and inserts recs in a single transaction, so
// readers see either the old contents or the new ones.
func (g *Gateway) ReplaceAll(ctx context.Context, table string, recs []idb.Record) (*AddResult, error) {
	d, err := g.declaration(table)
	if err != nil {
		return nil, err
	}
	if err := validateRecords(recs); err != nil {
		return nil, err
	}
	stored, err := g.encrypted(ctx, d, recs)
	if err != nil {
		return nil, err
	}

	tx, err := g.begin(ctx, idb.ReadWrite, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.Clear(ctx, table); err != nil {
		return nil, err
	}
	result := &AddResult{Keys: make([]any, 0, len(stored))}
	for i, rec := range stored {
		key, err := tx.Add(ctx, table, rec)
		if err != nil {
			return nil, fmt.Errorf("adding record %d to %q: %w", i, table, err)
		}
		result.Added++
		result.Keys = append(result.Keys, key)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	g.logger.Debug("table replaced", "table", table, "records", result.Added)
	return result, nil
}

// PutRecords inserts or overwrites recs in one transaction.
func (g *Gateway) PutRecords(ctx context.Context, table string, recs []idb.Record) (*AddResult, error) {
	d, err := g.declaration(table)
	if err != nil {
		return nil, err
	}
	if err := validateRecords(recs); err != nil {
		return nil, err
	}
	stored, err := g.encrypted(ctx, d, recs)
	if err != nil {
		return nil, err
	}

	tx, err := g.begin(ctx, idb.ReadWrite, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result := &AddResult{Keys: make([]any, 0, len(stored))}
	for i, rec := range stored {
		key, err := tx.Put(ctx, table, rec)
		if err != nil {
			return nil, fmt.Errorf("putting record %d into %q: %w", i, table, err)
		}
		result.Added++
		result.Keys = append(result.Keys, key)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// Clear deletes every record of table.
func (g *Gateway) Clear(ctx context.Context, table string) error {
	if _, err := g.declaration(table); err != nil {
		return err
	}
	tx, err := g.begin(ctx, idb.ReadWrite, table)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.Clear(ctx, table); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteByPrimaryKey deletes the records under keys. keys must not be empty.
func (g *Gateway) DeleteByPrimaryKey(ctx context.Context, table string, keys []any) error {
	if _, err := g.declaration(table); err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: at least one key is required", ErrInvalidArgument)
	}

	tx, err := g.begin(ctx, idb.ReadWrite, table)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if err := tx.Delete(ctx, table, key); err != nil {
			if errors.Is(err, idb.ErrData) {
				return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			return err
		}
	}
	return tx.Commit()
}
