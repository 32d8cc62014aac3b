package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"playersync/internal/admin"
	"playersync/internal/catalog"
	"playersync/internal/tree"
)

func runAdminView(cmd *cobra.Command, a *app, args []string) error {
	c, err := a.console()
	if err != nil {
		return err
	}
	view, err := c.View(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(a.out, view)
	}

	fmt.Fprintf(a.out, "%s (%s)\n", view.User.Name, view.User.ID)
	if !view.HasSnapshot {
		fmt.Fprintln(a.out, "No stored snapshot: pushing may overwrite settings changed on their client.")
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SETTING\tVALUE\tSOURCE\tLABEL")
	for _, e := range view.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Path, tree.Stringify(e.Value), e.Source, e.Label)
	}
	return tw.Flush()
}

// parseAssignments turns key=value arguments into typed values. String
// settings take the text as given; every other kind is read as JSON.
func parseAssignments(cat catalog.Catalog, args []string) (tree.Flat, error) {
	out := make(tree.Flat, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		def, found := cat.Lookup(key)
		if !found {
			return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, key)
		}
		value, err := parseValue(def, raw)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func parseValue(def catalog.Definition, raw string) (any, error) {
	if def.Kind == catalog.KindString {
		return raw, def.Validate(raw)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%s: %q is not a valid %s", def.ID(), raw, def.Kind)
	}
	return v, def.Validate(v)
}

func pushValues(cmd *cobra.Command, a *app, c *admin.Console, userID string, assignments []string) (tree.Flat, error) {
	edits, err := parseAssignments(a.catalog, assignments)
	if err != nil {
		return nil, err
	}
	view, err := c.View(cmd.Context(), userID)
	if err != nil {
		return nil, err
	}
	values := view.Values()
	for k, v := range edits {
		values[k] = v
	}
	return values, nil
}

func runAdminPush(cmd *cobra.Command, a *app, args []string) error {
	c, err := a.console()
	if err != nil {
		return err
	}
	userID := args[0]
	values, err := pushValues(cmd, a, c, userID, args[1:])
	if err != nil {
		return err
	}
	res, err := c.Push(cmd.Context(), userID, values)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(a.out, res)
	}
	for _, p := range res.Changed {
		fmt.Fprintf(a.out, "  %s\n", p)
	}
	return nil
}

func runAdminPushAll(cmd *cobra.Command, a *app, args []string) error {
	c, err := a.console()
	if err != nil {
		return err
	}
	values, err := pushValues(cmd, a, c, admin.PlayersID, args)
	if err != nil {
		return err
	}
	results, err := c.PushToPlayers(cmd.Context(), values)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(a.out, results)
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tCHANGED\tACTIVE")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Name, len(r.Changed), yesNo(r.Active))
	}
	return tw.Flush()
}

func runAdminSet(cmd *cobra.Command, a *app, args []string) error {
	c, err := a.console()
	if err != nil {
		return err
	}
	values, err := parseAssignments(a.catalog, []string{args[1] + "=" + args[2]})
	if err != nil {
		return err
	}
	return c.SetOverride(cmd.Context(), args[0], args[1], values[args[1]])
}

func runAdminClear(cmd *cobra.Command, a *app, args []string) error {
	c, err := a.console()
	if err != nil {
		return err
	}
	return c.ClearOverride(cmd.Context(), args[0], args[1])
}

func runAdminPending(cmd *cobra.Command, a *app, args []string) error {
	c, err := a.console()
	if err != nil {
		return err
	}
	pending, err := c.Pending(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(a.out, pending)
}
