package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmd/internal/store"
)

func newExportCommand(opts *rootOptions) *cobra.Command {
	var tenant, output, since string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a tenant's execution records as zstd-compressed JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.ExecutionFilter{}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				f.Since = t
			}

			_, db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			execs, err := db.ListExecutions(cmd.Context(), tenant, f)
			if err != nil {
				return err
			}

			out, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer out.Close()

			if err := writeExport(out, execs); err != nil {
				return err
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close output file: %w", err)
			}
			slog.Info("export complete", "tenant", tenant, "records", len(execs), "file", output)
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", len(execs), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant (required)")
	cmd.Flags().StringVarP(&output, "file", "f", "", "output path, e.g. acme.jsonl.zst (required)")
	cmd.Flags().StringVar(&since, "since", "", "only records started at or after this RFC 3339 time")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// writeExport streams records as one JSON object per line through zstd.
func writeExport(w io.Writer, execs []store.Execution) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	bw := bufio.NewWriter(zw)
	enc := json.NewEncoder(bw)
	for i := range execs {
		if err := enc.Encode(&execs[i]); err != nil {
			zw.Close()
			return fmt.Errorf("encode record %s: %w", execs[i].ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return fmt.Errorf("flush export: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// readExport decodes an archive written by writeExport.
func readExport(r io.Reader) ([]store.Execution, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var out []store.Execution
	dec := json.NewDecoder(zr)
	for dec.More() {
		var e store.Execution
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
