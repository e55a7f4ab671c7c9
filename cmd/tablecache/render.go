// ABOUTME: Human-readable output for CLI commands
// ABOUTME: Colors follow fatih/color's terminal detection

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tablecache/internal/cache"
	"github.com/2389/tablecache/internal/idb"
	"github.com/2389/tablecache/internal/schema"
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	gray   = color.New(color.FgHiBlack)
)

func renderMigration(w io.Writer, store string, result *schema.OpenResult) {
	if !result.Upgraded {
		fmt.Fprintf(w, "%s is up to date at version %d\n", cyan.Sprint(store), result.NewVersion)
		return
	}

	fmt.Fprintf(w, "migrated %s from version %d to %d\n", cyan.Sprint(store), result.OldVersion, result.NewVersion)
	if len(result.Changes) == 0 {
		gray.Fprintln(w, "  no structural changes")
		return
	}
	for _, c := range result.Changes {
		switch c.Kind {
		case schema.ChangeCreateTable, schema.ChangeCreateIndex:
			green.Fprint(w, "  + ")
		case schema.ChangeDropTable, schema.ChangeDropIndex:
			red.Fprint(w, "  - ")
		default:
			yellow.Fprint(w, "  ~ ")
		}
		fmt.Fprintln(w, c.String())
	}
}

func renderSchema(w io.Writer, store string, version int, tables []idb.TableInfo) {
	fmt.Fprintf(w, "store %s version %d\n", cyan.Sprint(store), version)
	for _, t := range tables {
		key := t.KeyPath.String()
		if key == "" {
			key = "(auto-increment)"
		}
		fmt.Fprintf(w, "table %s key %s\n", cyan.Sprint(t.Name), key)
		for _, idx := range t.Indexes {
			var flags []string
			if idx.Options.Unique {
				flags = append(flags, "unique")
			}
			if idx.Options.MultiEntry {
				flags = append(flags, "multi-entry")
			}
			line := fmt.Sprintf("  index %s key %s", idx.Name, idx.KeyPath.String())
			if len(flags) > 0 {
				line += " " + gray.Sprint(strings.Join(flags, " "))
			}
			fmt.Fprintln(w, line)
		}
	}
}

func renderReplace(w io.Writer, url string, result *cache.ReplaceResult) {
	if result.Unchanged {
		fmt.Fprintf(w, "%s unchanged, timestamp refreshed\n", cyan.Sprint(url))
		return
	}
	green.Fprint(w, "✓ ")
	fmt.Fprintf(w, "replaced %s: %d added, %d skipped\n", cyan.Sprint(url), result.Added, result.Skipped)
}

// entryState classifies a directory entry for display.
func entryState(dir *cache.Directory, versions map[string]int, e cache.Entry, maxAge time.Duration) string {
	if table, ok := dir.Table(e.URL); !ok || table != e.Table {
		return gray.Sprint("inert")
	}
	if e.Version != versions[e.Table] {
		return yellow.Sprint("stale")
	}
	if maxAge > 0 && !dir.IsFresh(e.URL, maxAge) {
		return yellow.Sprint("expired")
	}
	return green.Sprint("live")
}

func renderEntries(ctx context.Context, w io.Writer, dir *cache.Directory, maxAge time.Duration) error {
	entries := dir.Entries()
	if len(entries) == 0 {
		gray.Fprintln(w, "no cached URLs")
		return nil
	}

	versions := make(map[string]int)
	for _, d := range dir.Declarations() {
		versions[d.Name] = d.EffectiveVersion()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tTABLE\tVERSION\tRECORDS\tUPDATED\tSTATE")
	for _, e := range entries {
		count := "-"
		if _, declared := versions[e.Table]; declared {
			n, err := dir.Count(ctx, e.Table)
			if err != nil {
				return fmt.Errorf("counting %s: %w", e.Table, err)
			}
			count = strconv.Itoa(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.URL, e.Table, e.Version, count,
			e.LastUpdate.UTC().Format(time.RFC3339),
			entryState(dir, versions, e, maxAge))
	}
	return tw.Flush()
}
