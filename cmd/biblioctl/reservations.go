package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"biblio/internal/app"
	"biblio/internal/events"
	"biblio/internal/models"
	"biblio/internal/report"
	"biblio/internal/reservation"

	"github.com/spf13/cobra"
)

type enqueueOptions struct {
	codiceFiscale string
	name          string
	email         string
	date          string
	start         string
	duration      int
	chatID        int64
}

func (o enqueueOptions) reservation() (*models.Reservation, error) {
	owner := models.Owner{
		CodiceFiscale: strings.ToUpper(strings.TrimSpace(o.codiceFiscale)),
		Name:          strings.TrimSpace(o.name),
		Email:         strings.TrimSpace(o.email),
	}
	if err := reservation.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if _, err := time.Parse(models.DateLayout, o.date); err != nil {
		return nil, fmt.Errorf("invalid --date (want YYYY-MM-DD)")
	}
	if _, err := time.Parse(models.TimeLayout, o.start); err != nil {
		return nil, fmt.Errorf("invalid --start (want HH:MM)")
	}
	if o.duration < 1 {
		return nil, fmt.Errorf("--duration must be at least 1 hour")
	}
	return &models.Reservation{
		Owner:        owner,
		SelectedDate: o.date,
		StartTime:    o.start,
		Duration:     o.duration,
		ChatID:       o.chatID,
	}, nil
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var eo enqueueOptions

	c := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a pending reservation request",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := eo.reservation()
			if err != nil {
				return err
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Repo.Create(ctx, r); err != nil {
					return err
				}
				bus := events.NewEventBus().WithLogger(rt.Logger)
				events.SubscribeDefaults(bus, rt.Logger)
				_ = bus.PublishJSON(events.EventReservationCreated, events.NewReservationPayload(r, ""))

				fmt.Fprintf(cmd.OutOrStdout(), "created %s %s %s-%s\n", r.ID, r.SelectedDate, r.StartTime, r.EndTime)
				return nil
			})
		},
	}

	f := c.Flags()
	f.StringVar(&eo.codiceFiscale, "cf", "", "codice fiscale of the owner")
	f.StringVar(&eo.name, "name", "", "owner full name, surname first")
	f.StringVar(&eo.email, "email", "", "owner email")
	f.StringVar(&eo.date, "date", "", "slot date, YYYY-MM-DD")
	f.StringVar(&eo.start, "start", "", "slot start, HH:MM")
	f.IntVar(&eo.duration, "duration", 1, "slot length in hours")
	f.Int64Var(&eo.chatID, "chat-id", 0, "telegram chat for notifications")
	for _, name := range []string{"cf", "name", "email", "date", "start"} {
		_ = c.MarkFlagRequired(name)
	}
	return c
}

// cancellable reports whether the upstream holds a real booking code for r.
func cancellable(r *models.Reservation) error {
	if r.Status == models.StatusCanceled {
		return errors.New("reservation is already canceled")
	}
	switch r.BookingCode {
	case "", models.CodeTBD, models.CodeNA, models.CodeClosed, models.CodeUnknown:
		return fmt.Errorf("reservation has no booking code to cancel (%s)", r.BookingCode)
	}
	return nil
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var (
		mode  string
		local bool
	)

	c := &cobra.Command{
		Use:   "cancel <reservation-id>",
		Short: "Cancel a booking upstream and mark the request canceled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Repo.Get(ctx, args[0])
				if err != nil {
					return err
				}

				if !local {
					if err := cancellable(r); err != nil {
						return err
					}
					if err := rt.EntryClient().CancelEntry(ctx, r.Owner.CodiceFiscale, r.BookingCode, mode); err != nil {
						return fmt.Errorf("upstream cancel: %w", err)
					}
				}

				if err := rt.Repo.MarkCanceled(ctx, r.ID); err != nil {
					return err
				}

				bus := events.NewEventBus().WithLogger(rt.Logger)
				events.SubscribeDefaults(bus, rt.Logger)
				from := r.Status
				r.Status = models.StatusCanceled
				_ = bus.PublishJSON(events.EventReservationCanceled, events.NewReservationPayload(r, from))

				fmt.Fprintf(cmd.OutOrStdout(), "canceled %s\n", r.ID)
				return nil
			})
		},
	}

	c.Flags().StringVar(&mode, "mode", "delete", "upstream cancel mode: delete or update")
	c.Flags().BoolVar(&local, "local", false, "only mark the request canceled, skip the upstream call")
	return c
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var (
		date string
		dir  string
	)

	c := &cobra.Command{
		Use:   "report",
		Short: "Write the daily xlsx report of reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				if date == "" {
					date = time.Now().In(rt.Location).Format(models.DateLayout)
				}
				if dir == "" {
					dir = rt.Config.Reports.Path
				}
				path, err := report.WriteFile(ctx, rt.Repo, date, dir)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}

	c.Flags().StringVar(&date, "date", "", "report date, YYYY-MM-DD (default today in the venue timezone)")
	c.Flags().StringVar(&dir, "out", "", "output directory (default reports.path)")
	return c
}
