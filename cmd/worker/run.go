package main

import (
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/host/raster"
	"github.com/dunamismax/studioqueue/internal/worker"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		family string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain one job directory once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFamily(family); err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := ctx.startWorker(signalCtx, family)
			if err != nil {
				return err
			}
			defer rt.Close()

			var summary worker.Summary
			if wait {
				summary, err = rt.server.WaitAndDrain(signalCtx)
			} else {
				summary, err = rt.server.Drain(signalCtx)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printSummary(out, summary)
			printDocuments(out, rt.host.Documents())
			return nil
		},
	}

	cmd.Flags().StringVar(&family, "family", domain.FamilyPrint, "Job family to drain (print, mockup)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait up to STUDIO_WAIT_TIMEOUT for a job file before draining")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep draining one job directory until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFamily(family); err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := ctx.startWorker(signalCtx, family)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.server.Watch(signalCtx); err != nil {
				return err
			}
			rt.logger.Info("watch stopped", "open_documents", len(rt.host.Documents()))
			return nil
		},
	}

	cmd.Flags().StringVar(&family, "family", domain.FamilyPrint, "Job family to watch (print, mockup)")
	return cmd
}

func checkFamily(family string) error {
	switch family {
	case domain.FamilyPrint, domain.FamilyMockup:
		return nil
	default:
		return fmt.Errorf("unknown job family %q (want %s or %s)", family, domain.FamilyPrint, domain.FamilyMockup)
	}
}

func printSummary(w io.Writer, summary worker.Summary) {
	if summary.TimedOut {
		fmt.Fprintln(w, "No job files arrived. Directory contents:")
		if len(summary.Listing) == 0 {
			fmt.Fprintln(w, "  (empty)")
		}
		for _, entry := range summary.Listing {
			fmt.Fprintf(w, "  %s\n", entry)
		}
		return
	}
	if summary.Attempted == 0 {
		fmt.Fprintln(w, "No job files to process.")
		return
	}

	rows := make([][]string, 0, len(summary.Results))
	for _, res := range summary.Results {
		detail := strings.Join(res.Outputs, ", ")
		if res.Status == domain.JobStatusFailed {
			detail = res.Error
		}
		rows = append(rows, []string{
			res.File.Name,
			res.Kind,
			res.Status,
			res.Class,
			res.Duration.Round(time.Millisecond).String(),
			detail,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Job", "Kind", "Status", "Class", "Duration", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(w, "%d attempted, %d succeeded, %d failed, %d deleted\n",
		summary.Attempted, summary.Succeeded, summary.Failed, summary.Deleted)
}

func printDocuments(w io.Writer, docs []raster.DocumentInfo) {
	if len(docs) == 0 {
		return
	}
	rows := make([][]string, 0, len(docs))
	for _, doc := range docs {
		active := ""
		if doc.Active {
			active = "yes"
		}
		rows = append(rows, []string{
			doc.Name,
			strconv.Itoa(doc.Width) + "x" + strconv.Itoa(doc.Height),
			active,
			doc.Path,
		})
	}
	fmt.Fprintln(w, "Documents left open for the operator:")
	fmt.Fprintln(w, renderTable(
		[]string{"Name", "Size", "Active", "Path"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
	))
}
