// ABOUTME: Reconciles physical tables and indexes with declarations during an upgrade
// ABOUTME: Drops undeclared structures, creates missing ones and recreates changed indexes

package schema

import (
	"context"
	"fmt"
	"slices"

	"github.com/2389/tablecache/internal/idb"
)

// ChangeKind names one structural change made during an upgrade.
type ChangeKind string

const (
	ChangeCreateTable   ChangeKind = "create_table"
	ChangeDropTable     ChangeKind = "drop_table"
	ChangeCreateIndex   ChangeKind = "create_index"
	ChangeDropIndex     ChangeKind = "drop_index"
	ChangeRecreateIndex ChangeKind = "recreate_index"
)

// Change is one structural change.
type Change struct {
	Kind  ChangeKind
	Table string
	Index string
}

func (c Change) String() string {
	if c.Index == "" {
		return fmt.Sprintf("%s %s", c.Kind, c.Table)
	}
	return fmt.Sprintf("%s %s.%s", c.Kind, c.Table, c.Index)
}

func reconcile(ctx context.Context, u idb.UpgradeTx, decls []TableDeclaration) ([]Change, error) {
	var changes []Change

	declared := make(map[string]TableDeclaration, len(decls))
	for _, d := range decls {
		declared[d.Name] = d
	}

	existing, err := u.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range existing {
		if _, ok := declared[name]; ok {
			continue
		}
		if err := u.DropTable(ctx, name); err != nil {
			return nil, fmt.Errorf("dropping table %q: %w", name, err)
		}
		changes = append(changes, Change{Kind: ChangeDropTable, Table: name})
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		d := declared[name]
		autoIncrement := len(d.PrimaryKey) == 0

		var current []idb.IndexInfo
		if slices.Contains(existing, name) {
			info, err := u.Table(ctx, name)
			if err != nil {
				return nil, err
			}
			if !info.KeyPath.Equal(d.PrimaryKey) || info.AutoIncrement != autoIncrement {
				return nil, fmt.Errorf("%w: table %q has key %q (auto increment %t), declared %q",
					ErrPrimaryKeyConflict, name, info.KeyPath.String(), info.AutoIncrement, d.PrimaryKey.String())
			}
			current = info.Indexes
		} else {
			if err := u.CreateTable(ctx, name, d.PrimaryKey, autoIncrement); err != nil {
				return nil, fmt.Errorf("creating table %q: %w", name, err)
			}
			changes = append(changes, Change{Kind: ChangeCreateTable, Table: name})
		}

		idxChanges, err := reconcileIndexes(ctx, u, d, current)
		if err != nil {
			return nil, err
		}
		changes = append(changes, idxChanges...)
	}

	return changes, nil
}

func reconcileIndexes(ctx context.Context, u idb.UpgradeTx, d TableDeclaration, current []idb.IndexInfo) ([]Change, error) {
	var changes []Change
	have := make(map[string]idb.IndexInfo, len(current))
	for _, idx := range current {
		have[idx.Name] = idx
	}

	for _, idx := range current {
		if _, ok := d.Indexes[idx.Name]; ok {
			continue
		}
		if err := u.DropIndex(ctx, d.Name, idx.Name); err != nil {
			return nil, fmt.Errorf("dropping index %q on %q: %w", idx.Name, d.Name, err)
		}
		changes = append(changes, Change{Kind: ChangeDropIndex, Table: d.Name, Index: idx.Name})
	}

	for _, name := range d.IndexNames() {
		want := d.Indexes[name]
		kind := ChangeCreateIndex
		if got, ok := have[name]; ok {
			if got.KeyPath.Equal(want.KeyPath) && got.Options == want.Options {
				continue
			}
			if err := u.DropIndex(ctx, d.Name, name); err != nil {
				return nil, fmt.Errorf("dropping index %q on %q: %w", name, d.Name, err)
			}
			kind = ChangeRecreateIndex
		}
		if err := u.CreateIndex(ctx, d.Name, name, want.KeyPath, want.Options); err != nil {
			return nil, fmt.Errorf("creating index %q on %q: %w", name, d.Name, err)
		}
		changes = append(changes, Change{Kind: kind, Table: d.Name, Index: name})
	}
	return changes, nil
}
