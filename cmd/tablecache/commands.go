// ABOUTME: Subcommands of the tablecache CLI
// ABOUTME: migrate, schema, get, put, entries and version

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/2389/tablecache/internal/idb"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the store and apply pending schema changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, result, err := a.openDirectory(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer dir.Close()

			renderMigration(cmd.OutOrStdout(), a.cfg.Store.Name, result)
			return nil
		},
	}
}

func newSchemaCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the physical tables and indexes of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, err := a.openDirectory(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer dir.Close()

			tables, err := dir.Inspect(cmd.Context())
			if err != nil {
				return fmt.Errorf("inspecting store: %w", err)
			}
			renderSchema(cmd.OutOrStdout(), a.cfg.Store.Name, dir.Version(), tables)
			return nil
		},
	}
}

// urlDocument is the JSON form of cached URL data.
type urlDocument struct {
	URL        string       `json:"url"`
	LastUpdate time.Time    `json:"last_update"`
	Data       []idb.Record `json:"data"`
}

func newGetCommand(a *app) *cobra.Command {
	var (
		selectPath string
		maxAge     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Print the data cached for a URL, or \"miss\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			out := cmd.OutOrStdout()

			dir, _, err := a.openDirectory(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer dir.Close()

			if maxAge > 0 && !dir.IsFresh(url, maxAge) {
				fmt.Fprintln(out, "miss")
				return nil
			}

			cached, err := dir.GetURLData(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("reading %s: %w", url, err)
			}
			if cached == nil {
				fmt.Fprintln(out, "miss")
				return nil
			}

			body, err := json.MarshalIndent(urlDocument{
				URL:        url,
				LastUpdate: cached.LastUpdate.UTC(),
				Data:       cached.Data,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding %s: %w", url, err)
			}

			if selectPath != "" {
				result := gjson.GetBytes(body, selectPath)
				if !result.Exists() {
					return fmt.Errorf("select %q matched nothing", selectPath)
				}
				fmt.Fprintln(out, result.Raw)
				return nil
			}

			fmt.Fprintln(out, string(body))
			return nil
		},
	}

	cmd.Flags().StringVarP(&selectPath, "select", "s", "", "gjson path to project from the document (e.g. data.#.id)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "treat data older than this as a miss")
	return cmd
}

func newPutCommand(a *app) *cobra.Command {
	var timestamp string

	cmd := &cobra.Command{
		Use:   "put <url> <file.json>",
		Short: "Replace the data cached for a URL with a JSON array of records",
		Long:  "Replace the data cached for a URL. The file must hold a JSON array of objects; \"-\" reads standard input.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]

			recs, err := readRecords(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}

			var at time.Time
			if timestamp != "" {
				at, err = time.Parse(time.RFC3339, timestamp)
				if err != nil {
					return fmt.Errorf("parsing --timestamp: %w", err)
				}
			}

			dir, _, err := a.openDirectory(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer dir.Close()

			result, err := dir.ReplaceURLData(cmd.Context(), url, recs, at)
			if err != nil {
				return fmt.Errorf("replacing %s: %w", url, err)
			}
			if result == nil {
				return fmt.Errorf("%s is not cached by any declared table", url)
			}

			renderReplace(cmd.OutOrStdout(), url, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&timestamp, "timestamp", "", "last update time (RFC3339), defaults to now")
	return cmd
}

// readRecords decodes a JSON array of objects from path, or from stdin for "-".
func readRecords(stdin io.Reader, path string) ([]idb.Record, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}

	recs := make([]idb.Record, len(raw))
	for i, m := range raw {
		recs[i] = idb.Record(m)
	}
	return recs, nil
}

func newEntriesCommand(a *app) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List cache directory entries and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, err := a.openDirectory(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer dir.Close()

			return renderEntries(cmd.Context(), cmd.OutOrStdout(), dir, maxAge)
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "mark live entries older than this as expired")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tablecache version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tablecache %s\n", version)
		},
	}
}
