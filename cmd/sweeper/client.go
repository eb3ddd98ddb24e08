package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/observer"
)

var errDone = errors.New("done")

func addClientCommands(root *cobra.Command) {
	root.PersistentFlags().String("server", "http://"+model.DefaultListen, "URL of the sweeper API for client commands")
	root.PersistentFlags().Duration("wait", 0, "follow the server until the command takes effect, at most for the given time")
	mustBind("server", root.PersistentFlags())
	mustBind("wait", root.PersistentFlags())

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start a sweep, parameters left out are taken from the server configuration",
		RunE:  doStart,
	}
	startCmd.Flags().String("kind", "", "discovery or healthcheck")
	startCmd.Flags().StringSlice("scope", nil, "CIDRs of a discovery or units of a health check")
	startCmd.Flags().String("profile", "", "slow, normal or fast")
	startCmd.Flags().Int("max-hosts", 0, "stop after this many distinct items")
	startCmd.Flags().Bool("force", false, "cancel an active sweep first")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "follow the sweep of a server and print its status",
		RunE:  doWatch,
	}
	watchCmd.Flags().Bool("until-done", false, "exit once the sweep is no longer active")

	root.AddCommand(startCmd, watchCmd,
		controlCmd("pause", "pause the active sweep", model.StatusPaused, (*observer.Client).Pause),
		controlCmd("resume", "resume the paused sweep", model.StatusRunning, (*observer.Client).Resume),
		controlCmd("cancel", "cancel the active sweep", model.StatusCancelled, (*observer.Client).Cancel),
		controlCmd("reset", "clear a finished sweep", model.StatusIdle, (*observer.Client).Reset),
	)
}

func newClient() (*observer.Client, error) {
	return observer.NewClient(viper.GetString("server"))
}

func doStart(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := newClient()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	var req model.StartRequest
	kind, _ := flags.GetString("kind")
	profile, _ := flags.GetString("profile")
	req.Kind = model.Kind(kind)
	req.Profile = model.Profile(profile)
	req.Scope, _ = flags.GetStringSlice("scope")
	req.MaxHosts, _ = flags.GetInt("max-hosts")
	req.Force, _ = flags.GetBool("force")

	ack, err := client.Start(ctx, req)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), ack); err != nil {
		return err
	}

	wait := viper.GetDuration("wait")
	if wait <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	s, err := follow(ctx, client, observer.NewSession(), cmd.OutOrStdout(), func(s *observer.Session) bool {
		return s.Generation() == ack.Generation && s.Task().ID == ack.TaskID && s.Status().IsTerminal()
	})
	if err != nil {
		return err
	}
	if st := s.Status(); st != model.StatusDone {
		return fmt.Errorf("sweep %s: %s", st, s.Task().ErrorMessage)
	}
	return nil
}

type commandFunc func(*observer.Client, context.Context) (model.Ack, error)

// controlCmd sends a command and, with --wait, follows the server until the
// command is confirmed or reverted by the events.
func controlCmd(name, short string, target model.Status, fn commandFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := newClient()
			if err != nil {
				return err
			}
			ack, err := fn(client, ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), ack); err != nil {
				return err
			}

			wait := viper.GetDuration("wait")
			if wait <= 0 {
				return nil
			}
			s := observer.NewSession()
			intent := s.Expect(name, target, ack.Generation, ack.LastEventID, time.Now().Add(wait))
			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			_, err = follow(ctx, client, s, cmd.OutOrStdout(), func(*observer.Session) bool {
				return intent.Outcome() != observer.Optimistic
			})
			if errors.Is(err, context.DeadlineExceeded) {
				s.Expire(time.Now())
				err = nil
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s at event %d\n", name, intent.Outcome(), intent.ResolvedAt())
			if err == nil && intent.Outcome() == observer.Reverted {
				err = fmt.Errorf("%s reverted: sweep is %s", name, s.Status())
			}
			return err
		},
	}
}

func doWatch(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	untilDone, _ := cmd.Flags().GetBool("until-done")
	_, err = follow(cmd.Context(), client, observer.NewSession(), cmd.OutOrStdout(), func(s *observer.Session) bool {
		return untilDone && s.Generation() != 0 && !s.Status().IsActive()
	})
	return err
}

// follow prints every status change of s until stop returns true or ctx
// is done.
func follow(ctx context.Context, client *observer.Client, s *observer.Session, out io.Writer, stop func(*observer.Session) bool) (*observer.Session, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var last string
	onChange := func(s *observer.Session) {
		t := s.Task()
		line := fmt.Sprintf("generation %d: %s %d/%d items=%d", s.Generation(), s.DisplayStatus(), t.Progress.Current, t.Progress.Total, len(s.Results()))
		if line != last {
			last = line
			_, _ = fmt.Fprintln(out, line)
		}
		if stop(s) {
			cancel(errDone)
		}
	}

	// the first page tells the state of an already finished sweep
	if err := client.CatchUp(ctx, s); err != nil {
		return s, err
	}
	onChange(s)
	err := client.Follow(ctx, s, onChange)
	if errors.Is(err, errDone) {
		return s, nil
	}
	return s, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
