// ABOUTME: Schema migration engine that owns the store connection
// ABOUTME: Opens at the aggregate version, upgrades on mismatch and relays version changes

package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/tablecache/internal/events"
	"github.com/2389/tablecache/internal/fieldcrypt"
	"github.com/2389/tablecache/internal/idb"
)

// Options configures an Engine.
type Options struct {
	// VersionOffset is added to the sum of table versions.
	VersionOffset int
	// Crypto is required when any table declares encrypted fields.
	Crypto fieldcrypt.Provider
	Logger *slog.Logger
	// Events receives lifecycle notifications. A new broadcaster is used when nil.
	Events *events.Broadcaster
}

// OpenResult describes what Open did.
type OpenResult struct {
	OldVersion int
	NewVersion int
	Upgraded   bool
	Changes    []Change
}

// Engine owns one store connection and the declarations it was opened with.
type Engine struct {
	factory     idb.Factory
	name        string
	decls       []TableDeclaration
	byName      map[string]TableDeclaration
	version     int
	crypto      fieldcrypt.Provider
	events      *events.Broadcaster
	ownsEvents  bool
	logger      *slog.Logger
	unsupported error

	mu   sync.RWMutex
	db   idb.Database
	stop chan struct{}
}

// New validates decls and prepares an engine for the named store. An
// unavailable backend does not fail New; every operation returns ErrUnsupported.
func New(factory idb.Factory, name string, decls []TableDeclaration, opts Options) (*Engine, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: store name is required", ErrInvalidDeclaration)
	}

	byName := make(map[string]TableDeclaration, len(decls))
	encrypted := false
	for _, d := range decls {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTable, d.Name)
		}
		byName[d.Name] = d
		encrypted = encrypted || d.Encrypted()
	}
	if encrypted && opts.Crypto == nil {
		return nil, fmt.Errorf("%w: encrypted fields declared without a crypto provider", ErrInvalidDeclaration)
	}

	version := AggregateVersion(decls, opts.VersionOffset)
	if version < 1 {
		return nil, fmt.Errorf("%w: aggregate version %d must be at least 1", ErrInvalidDeclaration, version)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus, owned := opts.Events, false
	if bus == nil {
		bus, owned = events.NewBroadcaster(logger), true
	}

	e := &Engine{
		factory:    factory,
		name:       name,
		decls:      append([]TableDeclaration(nil), decls...),
		byName:     byName,
		version:    version,
		crypto:     opts.Crypto,
		events:     bus,
		ownsEvents: owned,
		logger:     logger.With("component", "schema", "store", name),
	}

	if factory == nil {
		e.unsupported = fmt.Errorf("%w: no store factory", ErrUnsupported)
	} else if err := factory.Supported(); err != nil {
		e.unsupported = fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return e, nil
}

// Name returns the store name.
func (e *Engine) Name() string { return e.name }

// Version returns the aggregate version the store is opened at.
func (e *Engine) Version() int { return e.version }

// Crypto returns the crypto provider, or nil.
func (e *Engine) Crypto() fieldcrypt.Provider { return e.crypto }

// Events returns the lifecycle broadcaster.
func (e *Engine) Events() *events.Broadcaster { return e.events }

// Supported returns ErrUnsupported when the backend is unavailable.
func (e *Engine) Supported() error { return e.unsupported }

// Declaration returns the declaration of table.
func (e *Engine) Declaration(table string) (TableDeclaration, bool) {
	d, ok := e.byName[table]
	return d, ok
}

// Declarations returns all declarations in the order given to New.
func (e *Engine) Declarations() []TableDeclaration {
	return append([]TableDeclaration(nil), e.decls...)
}

// Database returns the open store.
func (e *Engine) Database() (idb.Database, error) {
	if e.unsupported != nil {
		return nil, e.unsupported
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return nil, ErrNotOpen
	}
	return e.db, nil
}

// Open opens the store, upgrading it when its version differs from Version,
// then runs the crypto provider's AfterOpen hook.
func (e *Engine) Open(ctx context.Context) (*OpenResult, error) {
	if e.unsupported != nil {
		return nil, e.unsupported
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return nil, ErrAlreadyOpen
	}

	result := &OpenResult{OldVersion: e.version, NewVersion: e.version}
	upgrade := func(ctx context.Context, u idb.UpgradeTx, oldVersion, newVersion int) error {
		result.Upgraded = true
		result.OldVersion = oldVersion
		result.Changes = result.Changes[:0]
		changes, err := reconcile(ctx, u, e.decls)
		if err != nil {
			return err
		}
		result.Changes = changes
		return nil
	}

	db, err := e.factory.Open(ctx, e.name, e.version, upgrade)
	if err != nil {
		if errors.Is(err, idb.ErrBlocked) {
			e.logger.Warn("upgrade blocked by another session", "version", e.version)
			e.events.Publish(events.Event{
				Kind:       events.KindBlocked,
				Store:      e.name,
				NewVersion: e.version,
				Err:        err,
			})
		}
		return nil, fmt.Errorf("opening store %q: %w", e.name, err)
	}

	if init, ok := e.crypto.(fieldcrypt.Initializer); ok {
		if err := init.AfterOpen(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing crypto for %q: %w", e.name, err)
		}
	}

	e.db = db
	e.stop = make(chan struct{})
	go e.relay(db, e.stop)

	if result.Upgraded {
		e.logger.Info("store upgraded",
			"from", result.OldVersion,
			"to", result.NewVersion,
			"changes", len(result.Changes))
		e.events.Publish(events.Event{
			Kind:       events.KindUpgraded,
			Store:      e.name,
			SessionID:  db.SessionID(),
			OldVersion: result.OldVersion,
			NewVersion: result.NewVersion,
		})
	} else {
		e.logger.Debug("store opened", "version", e.version)
	}
	return result, nil
}

// relay forwards a version change reported by db and forgets the connection.
func (e *Engine) relay(db idb.Database, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case change := <-db.Changes():
		e.mu.Lock()
		if e.db == db {
			e.db = nil
			close(e.stop)
			e.stop = nil
		}
		e.mu.Unlock()

		e.logger.Warn("store version changed by another session; connection closed",
			"old_version", change.OldVersion,
			"new_version", change.NewVersion)
		e.events.Publish(events.Event{
			Kind:       events.KindVersionChange,
			Store:      e.name,
			SessionID:  db.SessionID(),
			OldVersion: change.OldVersion,
			NewVersion: change.NewVersion,
		})
	}
}

// Close closes the store. Closing a closed engine is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	db := e.db
	e.db = nil
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.mu.Unlock()
	if e.ownsEvents {
		defer e.events.Close()
	}

	if db == nil {
		return nil
	}
	err := db.Close()
	e.events.Publish(events.Event{
		Kind:       events.KindClosed,
		Store:      e.name,
		SessionID:  db.SessionID(),
		NewVersion: e.version,
	})
	if err != nil {
		return fmt.Errorf("closing store %q: %w", e.name, err)
	}
	return nil
}

// Inspect describes the physical tables of the open store.
func (e *Engine) Inspect(ctx context.Context) ([]idb.TableInfo, error) {
	db, err := e.Database()
	if err != nil {
		return nil, err
	}
	return db.Inspect(ctx)
}
