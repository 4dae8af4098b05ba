package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/imagestore"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/nodes/jsnode"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

func newInspectCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the sections of a graph image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if cfg.Image == "" {
				return rterrors.NewError(rterrors.CodeConfiguration, "no graph image given", rterrors.ErrInvalidConfig)
			}
			disasm, _ := cmd.Flags().GetBool("disassemble")

			store, name, err := imagestore.Resolve(cfg.Image, cfg.Azure.ConnectionString, zap.NewNop())
			if err != nil {
				return err
			}
			img, err := imagestore.Load(cmd.Context(), store, name, nil)
			if err != nil {
				return err
			}
			reg, err := nodes.NewRegistry(jsnode.Config{})
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), img, reg, disasm)
		},
	}
	cmd.Flags().StringP("image", "i", "", "graph image: a file path or azblob://<container>/<path>")
	cmd.Flags().BoolP("disassemble", "d", false, "disassemble scripts")
	return cmd
}

func describe(out io.Writer, img *graph.Image, reg *node.Registry, disasm bool) error {
	h := img.Header
	fmt.Fprintf(out, "relocation %s, control %#x, processors %#x, %d words\n",
		h.Relocation, uint16(h.Control), h.ProcessorMask, h.TotalWords)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(img.IO) > 0 {
		fmt.Fprintln(w, "\nIO\tARC\tDIRECTION\tDRIVER\tSETTINGS")
		for i, e := range img.IO {
			dir := "rx"
			if e.Transmit {
				dir = "tx"
			}
			fmt.Fprintf(w, "io %d\t%d\t%s\t%d\t%#x\n", i, e.Arc, dir, e.Driver, e.Settings)
		}
	}

	fmt.Fprintln(w, "\nFORMAT\tFRAME\tCHANNELS\tRATE")
	for i, f := range img.Formats {
		fmt.Fprintf(w, "format %d\t%d\t%d\t%g\n", i, f.FrameSize, f.Channels, f.SamplingRate)
	}

	fmt.Fprintln(w, "\nARC\tBASE\tCAPACITY\tFORMATS\tREAD\tWRITE")
	for i, a := range img.Arcs {
		fmt.Fprintf(w, "arc %d\t%s\t%d\t%d->%d\t%d\t%d\n",
			i, a.Base, a.Capacity, a.ProducerFormat, a.ConsumerFormat, a.Read, a.Write)
	}

	fmt.Fprintln(w, "\nNODE\tKIND\tPROCESSOR\tARCS\tPARAMS")
	for _, n := range img.Nodes {
		fmt.Fprintf(w, "node %d\t%s\t%d\t%s\t%d bytes\n",
			n.Index, reg.Name(n.Kind), n.Processor, arcList(n.Arcs), len(n.Params.Bytes))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, s := range img.Scripts {
		fmt.Fprintf(out, "\nscript %d: %d words, stack %d, heap %d, budget %d\n",
			s.Index, len(s.Code), s.StackDepth, s.HeapWords, s.Budget)
		if !disasm {
			continue
		}
		lines, err := script.Disassemble(s.Code)
		for _, l := range lines {
			fmt.Fprintln(out, "  "+l)
		}
		if err != nil {
			fmt.Fprintf(out, "  ! %v\n", err)
		}
	}
	return nil
}

func arcList(refs []graph.ArcRef) string {
	s := ""
	for i, r := range refs {
		if i > 0 {
			s += " "
		}
		if r.Output {
			s += fmt.Sprintf(">%d", r.Index)
		} else {
			s += fmt.Sprintf("<%d", r.Index)
		}
	}
	if s == "" {
		return "-"
	}
	return s
}
