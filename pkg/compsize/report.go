package compsize

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Scale selects how byte counts are rendered.
type Scale int

const (
	// Human renders binary-base sizes with one decimal (1.5M).
	Human Scale = iota
	// Bytes renders raw byte counts.
	Bytes
)

const scaleUnits = "KMGTPE"

// Format renders n according to the scale.
func (s Scale) Format(n uint64) string {
	if s == Bytes {
		return strconv.FormatUint(n, 10)
	}
	if n < 1024 {
		return fmt.Sprintf("%dB", n)
	}
	v := float64(n)
	i := -1
	for v >= 1024 && i < len(scaleUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f%c", v, scaleUnits[i])
}

// percent is round(100*disk/uncompressed); an empty column reads as fully
// dense rather than dividing by zero.
func percent(disk, uncompressed uint64) uint64 {
	if uncompressed == 0 {
		return 100
	}
	return (disk*100 + uncompressed/2) / uncompressed
}

// rowOrder lists buckets in output order: none first, the rest by name.
var rowOrder = [numBuckets]Bucket{
	BucketNone, BucketLzo, BucketPrealloc, BucketUnknown, BucketZlib, BucketZstd,
}

func writeRow(w io.Writer, ty, perc, disk, uncomp, refd string) error {
	_, err := fmt.Fprintf(w, "%-10s %-8s %-12s %-12s %-12s\n", ty, perc, disk, uncomp, refd)
	return err
}

// WriteReport emits the stable line-oriented report.
//
//	Processed 3356969 files, 653492 regular extents (2242077 refs), 2018321 inline.
//	Type       Perc     Disk Usage   Uncompressed Referenced
//	TOTAL       79%     100146085502 127182733170 481020538738
//	none       100%     88797796415  88797796415  364255758399
//	zstd        30%     11348289087  38384936755  116764780339
func WriteReport(w io.Writer, g *Grid, scale Scale) error {
	_, err := fmt.Fprintf(w, "Processed %d files, %d regular extents (%d refs), %d inline.\n",
		g.Files, g.RegularExtents, g.Refs, g.InlineExtents)
	if err != nil {
		return err
	}
	if err := writeRow(w, "Type", "Perc", "Disk Usage", "Uncompressed", "Referenced"); err != nil {
		return err
	}
	tot := g.Total()
	err = writeRow(w, "TOTAL",
		fmt.Sprintf("%3d%%", percent(tot.Disk, tot.Uncompressed)),
		scale.Format(tot.Disk), scale.Format(tot.Uncompressed), scale.Format(tot.Referenced))
	if err != nil {
		return err
	}
	for _, b := range rowOrder {
		s := g.Buckets[b]
		if s.IsZero() {
			continue
		}
		err = writeRow(w, b.String(),
			fmt.Sprintf("%3d%%", percent(s.Disk, s.Uncompressed)),
			scale.Format(s.Disk), scale.Format(s.Uncompressed), scale.Format(s.Referenced))
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteTable renders the same numbers as a rounded table.
func WriteTable(w io.Writer, g *Grid, scale Scale) {
	fmt.Fprintf(w, "Processed %d files, %d regular extents (%d refs), %d inline.\n",
		g.Files, g.RegularExtents, g.Refs, g.InlineExtents)

	size := func(n uint64) string {
		if scale == Bytes {
			return strconv.FormatUint(n, 10)
		}
		return humanize.IBytes(n)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Type", "Perc", "Disk Usage", "Uncompressed", "Referenced"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	tot := g.Total()
	t.AppendRow(table.Row{
		"TOTAL",
		fmt.Sprintf("%d%%", percent(tot.Disk, tot.Uncompressed)),
		size(tot.Disk), size(tot.Uncompressed), size(tot.Referenced),
	})
	t.AppendSeparator()
	for _, b := range rowOrder {
		s := g.Buckets[b]
		if s.IsZero() {
			continue
		}
		t.AppendRow(table.Row{
			b.String(),
			fmt.Sprintf("%d%%", percent(s.Disk, s.Uncompressed)),
			size(s.Disk), size(s.Uncompressed), size(s.Referenced),
		})
	}
	t.Render()
}
