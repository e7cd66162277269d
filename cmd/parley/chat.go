package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/parley/internal/app"
	"github.com/dshills/parley/internal/plugin/api"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect chat channels registered by plugins",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.Application) error {
				t := newTable("ID", "LABEL", "PLUGIN", "EXTENDS")
				for _, ch := range a.Registry().Channels() {
					t.addRow(ch.ID, ch.Label, ch.PluginID, ch.Extends)
				}
				return t.render(cmd.OutOrStdout(), "no channels registered")
			})
		},
	})
	return cmd
}

func newChatCmd() *cobra.Command {
	var showModels bool
	cmd := &cobra.Command{
		Use:   "chat <channel> <prompt...>",
		Short: "Send a prompt to a channel and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			prompt := strings.Join(args[1:], " ")
			if !showModels && prompt == "" {
				return fmt.Errorf("a prompt is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				out := cmd.OutOrStdout()
				if showModels {
					return listModels(ctx, out, a, channel)
				}

				s := &streamPrinter{w: out}
				reply, err := a.Send(ctx, channel, prompt, s.update)
				if err != nil {
					return err
				}
				s.finish(reply.Content)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showModels, "models", false, "list the channel's models instead of chatting")
	return cmd
}

func listModels(ctx context.Context, w io.Writer, a *app.Application, channel string) error {
	ch, err := a.Registry().Resolve(channel)
	if err != nil {
		return err
	}
	models, err := ch.Adapter.FetchModels(ctx)
	if err != nil {
		return err
	}
	t := newTable("ID", "LABEL")
	for _, m := range models {
		t.addRow(m.ID, m.Label)
	}
	return t.render(w, "no models")
}

// streamPrinter writes streaming content as it grows. Updates carry the
// full content so far; only the new suffix is printed.
type streamPrinter struct {
	w       io.Writer
	printed string
}

func (s *streamPrinter) update(u api.Update) {
	s.write(u.Content)
}

func (s *streamPrinter) write(content string) {
	if strings.HasPrefix(content, s.printed) {
		fmt.Fprint(s.w, content[len(s.printed):])
	} else {
		// The adapter rewrote earlier content; start over on a new line.
		fmt.Fprint(s.w, "\n"+content)
	}
	s.printed = content
}

func (s *streamPrinter) finish(content string) {
	s.write(content)
	fmt.Fprintln(s.w)
}
