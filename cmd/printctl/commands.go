package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"fiscalprint/internal/api"
	"fiscalprint/internal/models"
	"fiscalprint/internal/service"

	"github.com/spf13/cobra"
)

func newClient() *api.Client {
	return api.NewClient(agentAddr, apiKey, apiExtra)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func enqueueCmd() *cobra.Command {
	var in service.EnqueueInput
	var data string
	var copies int

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a pending print request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readNoteData(data)
			if err != nil {
				return err
			}
			in.NoteData = raw
			if cmd.Flags().Changed("copies") {
				in.Copies = &copies
			}

			req, err := newClient().Enqueue(commandContext(cmd), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVar(&in.NoteID, "note-id", "", "Fiscal note identifier")
	cmd.Flags().StringVar(&data, "data", "", "Note data as JSON, or @path to read it from a file")
	cmd.Flags().StringVar(&in.PrintType, "type", models.PrintTypeNormal, "Print type (fiscal_note or normal)")
	cmd.Flags().IntVar(&copies, "copies", 1, "Number of copies")
	cmd.Flags().StringVar(&in.CreatedBy, "created-by", "", "Author recorded on the request")
	_ = cmd.MarkFlagRequired("note-id")
	return cmd
}

func readNoteData(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read note data: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("note data is not valid JSON")
	}
	return raw, nil
}

func listCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List print requests, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := newClient().List(commandContext(cmd), status, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNOTE\tTYPE\tCOPIES\tSTATUS\tPRINTER\tCREATED\tERROR")
			for _, r := range reqs {
				errMsg := ""
				if r.ErrorMessage != nil {
					errMsg = *r.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					r.ID, r.NoteID, r.PrintType, r.EffectiveCopies(), r.Status, r.PrinterName(),
					r.CreatedAt.Local().Format(time.DateTime), errMsg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, printing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", models.DefaultListLimit, "Maximum number of requests")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one print request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newClient().Get(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
}

func passCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run one queue pass now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := newClient().RunPass(commandContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func autoPrintCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "auto-print [on|off]",
		Short:     "Show or toggle automatic queue passes",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			ctx := commandContext(cmd)

			var on bool
			var err error
			switch {
			case len(args) == 0:
				on, err = client.AutoPrint(ctx)
			case args[0] == "on":
				on, err = client.SetAutoPrint(ctx, true)
			case args[0] == "off":
				on, err = client.SetAutoPrint(ctx, false)
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if err != nil {
				return err
			}

			state := "off"
			if on {
				state = "on"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto-print: %s\n", state)
			return nil
		},
	}
}

func printersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "printers",
		Short: "List printers known to the bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			printers, err := newClient().Printers(commandContext(cmd))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tDEFAULT")
			for _, p := range printers {
				def := ""
				if p.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Status, def)
			}
			return w.Flush()
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the printer assigned to each document category",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the printer configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := newClient().PrinterConfig(commandContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})

	var fiscal, normal string
	set := &cobra.Command{
		Use:   "set",
		Short: "Save the printer configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newClient()
			ctx := commandContext(cmd)

			// Only the flags given change; the other category keeps its printer.
			cfg, err := client.PrinterConfig(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("fiscal") {
				cfg.FiscalNotePrinter = fiscal
			}
			if cmd.Flags().Changed("normal") {
				cfg.NormalPrinter = normal
			}

			saved, err := client.SetPrinterConfig(ctx, cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
	set.Flags().StringVar(&fiscal, "fiscal", "", "Printer for fiscal notes (empty to unset)")
	set.Flags().StringVar(&normal, "normal", "", "Printer for normal documents (empty to unset)")
	cmd.AddCommand(set)

	return cmd
}

func exportCmd() *cobra.Command {
	var out, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download print requests as an xlsx workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}

			if err := newClient().Export(commandContext(cmd), status, limit, f); err != nil {
				f.Close()
				_ = os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "print-requests.xlsx", "Output file")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum number of requests")
	return cmd
}
