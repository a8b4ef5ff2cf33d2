// Command tagtree-inspect dumps the on-disk artifacts of a tagtree index
// directory for debugging: page cache page headers, symbol table contents,
// series segment entries, and the WAL record stream. Grounded on
// cmd/influxd/inspect/dump_tsi1.go's report/dump subcommand shape.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Jimx-/tagtree/series"
	"github.com/Jimx-/tagtree/symtab"
	"github.com/Jimx-/tagtree/wal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tagtree-inspect",
		Short: "inspect the on-disk artifacts of a tagtree index directory",
	}
	root.AddCommand(newDumpPagesCmd(), newDumpSymbolsCmd(), newDumpSeriesCmd(), newDumpWALCmd())
	return root
}

const (
	pageSize        = 4096
	cowMetaMagic    = 0x00c0ffee
	cowInnerTag     = 1
	cowLeafTag      = 2
	postingsHdrSize = 16
	sortedListFlag  = uint64(1) << 63
)

func newDumpPagesCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "dump-pages",
		Short: "print the tag/header of every page in index.db",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpPages(cmd, filepath.Join(dir, "index.db"))
		},
	}
	cmd.Flags().StringVar(&dir, "index-dir", ".", "index directory")
	return cmd
}

func dumpPages(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("tagtree-inspect: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	numPages := fi.Size() / pageSize
	out := cmd.OutOrStdout()

	buf := make([]byte, pageSize)
	for id := int64(0); id < numPages; id++ {
		if _, err := f.ReadAt(buf, id*pageSize); err != nil {
			return fmt.Errorf("tagtree-inspect: read page %d: %w", id, err)
		}
		describePage(out, id, buf)
	}
	return nil
}

func describePage(out io.Writer, id int64, buf []byte) {
	if id == 0 {
		magic := binary.LittleEndian.Uint32(buf[:4])
		if magic != cowMetaMagic {
			fmt.Fprintf(out, "page %d: meta (uninitialized)\n", id)
			return
		}
		fmt.Fprintf(out, "page %d: meta magic=%#x\n", id, magic)
		return
	}

	tag := binary.LittleEndian.Uint32(buf[:4])
	switch tag {
	case cowInnerTag:
		size := binary.LittleEndian.Uint32(buf[4:8])
		fmt.Fprintf(out, "page %d: inner node size=%d\n", id, size)
	case cowLeafTag:
		size := binary.LittleEndian.Uint32(buf[4:8])
		fmt.Fprintf(out, "page %d: leaf node size=%d\n", id, size)
	default:
		// Not a cowtree node tag: try decoding it as a posting page header
		// (nameRef(4) || valueRef(4) || endTs(8, bit63=type flag)), which is
		// big-endian unlike the cowtree node headers above.
		nameRef := binary.BigEndian.Uint32(buf[0:4])
		valueRef := binary.BigEndian.Uint32(buf[4:8])
		endTsWord := binary.BigEndian.Uint64(buf[8:16])
		kind := "bitmap"
		if endTsWord&sortedListFlag != 0 {
			kind = "sorted-list"
		}
		fmt.Fprintf(out, "page %d: %s posting page nameRef=%d valueRef=%d endTs=%d\n",
			id, kind, nameRef, valueRef, endTsWord&^sortedListFlag)
	}
}

func newDumpSymbolsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "dump-symbols",
		Short: "print every interned string in symbol.tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			sym, err := symtab.Open(filepath.Join(dir, "symbol.tab"))
			if err != nil {
				return fmt.Errorf("tagtree-inspect: open symbol table: %w", err)
			}
			defer sym.Close()

			out := cmd.OutOrStdout()
			for ref := 0; ref < sym.Len(); ref++ {
				s, err := sym.GetSymbol(symtab.Ref(ref))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d\t%q\n", ref, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "index-dir", ".", "index directory")
	return cmd
}

func newDumpSeriesCmd() *cobra.Command {
	var dir, backend string
	var segSize, pageSize int
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "dump-series",
		Short: "print the labels stored for a range of TSIDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sym, err := symtab.Open(filepath.Join(dir, "symbol.tab"))
			if err != nil {
				return fmt.Errorf("tagtree-inspect: open symbol table: %w", err)
			}
			defer sym.Close()

			seriesDir := filepath.Join(dir, "series")
			var st *series.Store
			switch backend {
			case "bbolt":
				st, err = series.NewBBoltStore(seriesDir, 4096, sym)
			default:
				st, err = series.NewSegmentStore(seriesDir, segSize, pageSize, 4096, sym)
			}
			if err != nil {
				return fmt.Errorf("tagtree-inspect: open series store: %w", err)
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			for tsid := from; tsid <= to; tsid++ {
				lset, ok, err := st.GetLabels(tsid)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				fmt.Fprintf(out, "%d\t%v\n", tsid, lset)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "index-dir", ".", "index directory")
	cmd.Flags().StringVar(&backend, "backend", "segment", "series backend (segment|bbolt)")
	cmd.Flags().IntVar(&segSize, "segment-size", 4096, "TSID slots per series segment file (segment backend)")
	cmd.Flags().IntVar(&pageSize, "page-size", 4096, "page size (segment backend)")
	cmd.Flags().Uint64Var(&from, "from", 1, "first TSID to dump")
	cmd.Flags().Uint64Var(&to, "to", 1, "last TSID to dump")
	return cmd
}

func newDumpWALCmd() *cobra.Command {
	var dir string
	var segment uint32
	cmd := &cobra.Command{
		Use:   "dump-wal",
		Short: "print the record stream of one WAL segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(dir, "wal", fmt.Sprintf("%08d", segment))
			r, err := wal.NewReader(path)
			if err != nil {
				return fmt.Errorf("tagtree-inspect: open wal segment: %w", err)
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			for {
				record, ok, err := r.GetNext()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if wal.GetRecordType(record) != wal.LRTSeries {
					fmt.Fprintf(out, "record: unknown type, %d bytes\n", len(record))
					continue
				}
				refs, err := wal.DeserializeSeries(record)
				if err != nil {
					fmt.Fprintf(out, "record: series decode error: %v\n", err)
					continue
				}
				for _, ref := range refs {
					fmt.Fprintf(out, "series tsid=%d t=%d labels=%v\n", ref.TSID, ref.Timestamp, ref.Labels)
				}
			}
		},
	}
	cmd.Flags().StringVar(&dir, "index-dir", ".", "index directory")
	cmd.Flags().Uint32Var(&segment, "segment", 1, "WAL segment number to dump")
	return cmd
}
