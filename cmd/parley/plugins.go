package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/parley/internal/app"
	"github.com/dshills/parley/internal/plugin"
	"github.com/dshills/parley/internal/plugin/api"
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "Manage installed plugins",
	}
	cmd.AddCommand(
		newPluginsListCmd(),
		newPluginsShowCmd(),
		newPluginsInstallCmd(),
		newPluginsToggleCmd("enable", true),
		newPluginsToggleCmd("disable", false),
		newPluginsUpdateCmd(),
		newPluginsDeleteCmd(),
	)
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.Application) error {
				t := newTable("ID", "NAME", "VERSION", "FORMAT", "SOURCE", "STATE")
				for _, rec := range a.Plugins().List() {
					t.addRow(rec.ID, rec.Name, rec.Version, rec.Format, string(rec.Source), a.Plugins().State(rec.ID).String())
				}
				return t.render(cmd.OutOrStdout(), "no plugins installed")
			})
		},
	}
}

func newPluginsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a plugin and the resources it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app.Application) error {
				rec, err := a.Plugins().Get(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				field := func(name, value string) {
					if value != "" {
						fmt.Fprintf(out, "%-12s %s\n", name+":", value)
					}
				}
				field("ID", rec.ID)
				field("Name", rec.Name)
				field("Version", rec.Version)
				field("Format", rec.Format)
				field("Source", string(rec.Source))
				field("State", a.Plugins().State(rec.ID).String())
				field("Enabled", fmt.Sprint(rec.Enabled))
				field("Author", rec.Author)
				field("Description", rec.Description)
				field("Homepage", rec.Homepage)
				field("Updated", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
				if b, ok := a.Registry().Bucket(rec.ID); ok {
					field("Channels", strings.Join(sortedKeys(b.ChannelTypes), ", "))
					field("Classes", strings.Join(sortedKeys(b.BodyClasses), ", "))
					if b.Style != nil {
						field("Style", fmt.Sprintf("scoped=%v", b.Style.Scoped))
					}
				}
				if rec.LastError != nil {
					field("Error", rec.LastError.Message)
					if rec.LastError.Stack != "" {
						fmt.Fprintln(out, rec.LastError.Stack)
					}
				}
				return nil
			})
		},
	}
}

func newPluginsInstallCmd() *cobra.Command {
	var opts plugin.InstallOptions
	var disabled bool
	cmd := &cobra.Command{
		Use:   "install <file>",
		Short: "Install a plugin from a .js, .lua or manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, format, err := readPluginFile(args[0])
			if err != nil {
				return err
			}
			opts.Disabled = disabled
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				var rec *plugin.Record
				if format == api.FormatHybrid {
					rec, err = a.Plugins().AddHybridPlugin(ctx, data, opts)
				} else {
					opts.Format = format
					rec, err = a.Plugins().AddPlugin(ctx, string(data), opts)
				}
				return reportInstall(cmd, a, rec, err)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "install under this id instead of the name-derived one")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "install without starting")
	return cmd
}

func newPluginsToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				if err := a.Plugins().SetEnabled(ctx, args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}

func newPluginsUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <file>",
		Short: "Replace a plugin's code or manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, format, err := readPluginFile(args[1])
			if err != nil {
				return err
			}
			text := string(data)
			patch := plugin.Patch{Code: &text}
			if format == api.FormatHybrid {
				patch = plugin.Patch{Manifest: &text}
			}
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				rec, err := a.Plugins().UpdatePlugin(ctx, args[0], patch)
				return reportInstall(cmd, a, rec, err)
			})
		},
	}
}

func newPluginsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plugin with its storage and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				if err := a.Plugins().DeletePlugin(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
				return nil
			})
		},
	}
}

// readPluginFile reads a plugin file and its format.
func readPluginFile(path string) ([]byte, string, error) {
	format := plugin.FormatForPath(path)
	if format == "" {
		return nil, "", fmt.Errorf("%s: not a plugin file (want .js, .lua, .yaml, .yml or .json)", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, format, nil
}

// reportInstall prints the outcome of an install or update. A plugin that
// was saved but failed to start is reported with its error.
func reportInstall(cmd *cobra.Command, a *app.Application, rec *plugin.Record, err error) error {
	if rec == nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s installed (%s)\n", rec.ID, rec.Version, a.Plugins().State(rec.ID))
	return err
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
