package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"playersync/internal/host"
	"playersync/internal/tree"
)

func runCatalogList(_ *cobra.Command, a *app, _ []string) error {
	defs := a.catalog.All()
	if jsonOutput {
		return printJSON(a.out, defs)
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SETTING\tKIND\tSCOPE\tDEFAULT\tSYNCED")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID(), d.Kind, d.Scope, tree.Stringify(d.Default), yesNo(d.Syncable()))
	}
	return tw.Flush()
}

func runUsersAdd(cmd *cobra.Command, a *app, args []string) error {
	return a.db.PutUser(cmd.Context(), host.User{
		ID:      args[0],
		Name:    args[1],
		IsAdmin: userAdmin,
		Active:  userActive,
	})
}

func runUsersList(cmd *cobra.Command, a *app, _ []string) error {
	users, err := a.db.Users(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(a.out, users)
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADMIN\tACTIVE")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Name, yesNo(u.IsAdmin), yesNo(u.Active))
	}
	return tw.Flush()
}
