package output

import (
	"fmt"
	"io"
	"strings"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
)

// FlowWriter formats spec.md §6's pipe-delimited flow record text line
// and gtpcontrol's per-tunnel-teardown context line onto a shared
// io.Writer. It satisfies gtpcontrol.Sink directly, so the same stream
// can carry both without a second adapter type.
type FlowWriter struct {
	w io.Writer
}

// NewFlowWriter returns a writer over w.
func NewFlowWriter(w io.Writer) *FlowWriter {
	return &FlowWriter{w: w}
}

// WriteContextRecord satisfies gtpcontrol.Sink: one already-formatted
// line per torn-down tunnel context.
func (fw *FlowWriter) WriteContextRecord(line string) error {
	return fw.writeLine(line)
}

// WriteRecord formats and appends one flow's record line.
func (fw *FlowWriter) WriteRecord(fl *flow.Record, meta *classify.Metadata) error {
	return fw.writeLine(FormatRecord(fl, meta))
}

func (fw *FlowWriter) writeLine(line string) error {
	if _, err := io.WriteString(fw.w, line+"\n"); err != nil {
		return fmt.Errorf("output: write flow line: %w", err)
	}
	return nil
}

// FormatRecord renders fl as spec.md §6's pipe-delimited line:
// start|end|transport|srcIP|srcPort|dstIP|dstPort|pkts_up|pkts_down|
// bytes_up|bytes_down[|stats…]|user|equipment|tags{…}|option=value|…
// meta resolves facet numbers to their declared names; pass nil to fall
// back to numeric "facetN" labels (tests that don't load a ruleset).
func FormatRecord(fl *flow.Record, meta *classify.Metadata) string {
	id := fl.ID
	var b strings.Builder

	fmt.Fprintf(&b, "%d|%d|%d|%s|%d|%s|%d|%d|%d|%d|%d",
		fl.FirstTsSec, fl.LastTsSec, id.Protocol,
		formatIP(id.SrcIP), id.SrcPort, formatIP(id.DstIP), id.DstPort,
		fl.UplinkPackets(), fl.DownlinkPackets(), fl.UploadBytes(), fl.DownloadBytes())

	if fl.Stats != nil {
		fmt.Fprintf(&b, "|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f",
			fl.Stats.SizeUL.Mean(), fl.Stats.SizeUL.StdDev(),
			fl.Stats.SizeDL.Mean(), fl.Stats.SizeDL.StdDev(),
			fl.Stats.IATUL.Mean(), fl.Stats.IATUL.StdDev(),
			fl.Stats.IATDL.Mean(), fl.Stats.IATDL.StdDev())
	}

	fmt.Fprintf(&b, "|%s|%s", formatHex(fl.UserID), formatHex(fl.EquipmentID))

	b.WriteString("|tags{")
	for i, facet := range fl.Tags().DefinedFacets() {
		if i > 0 {
			b.WriteByte(',')
		}
		focus, _ := fl.Tags().Get(facet)
		name := ""
		if meta != nil {
			name = meta.FacetName(facet)
		}
		if name == "" {
			name = fmt.Sprintf("facet%d", facet)
		}
		fmt.Fprintf(&b, "%s=%s", name, focus)
	}
	b.WriteString("}")

	fl.Options().Each(func(key, value string) {
		fmt.Fprintf(&b, "|%s=%s", key, value)
	})

	return b.String()
}

func formatIP(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

func formatHex(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", raw)
}
