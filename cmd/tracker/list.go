package main

import (
	"github.com/spf13/cobra"

	"github.com/basket/go-tracker/internal/model"
)

// chainFromArgs maps positional ids onto a chain, shallowest first.
func chainFromArgs(args []string) model.Chain {
	var c model.Chain
	if len(args) > 0 {
		c.ProjectID = args[0]
	}
	if len(args) > 1 {
		c.EpicID = args[1]
	}
	if len(args) > 2 {
		c.StoryID = args[2]
	}
	return c
}

// runListing signs in, navigates to chain and hands the app to show.
func runListing(cmd *cobra.Command, opts *rootOptions, chain model.Chain, show func(*app, *printer)) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Navigate(ctx, chain); err != nil {
		return err
	}
	show(a, newPrinter(cmd.OutOrStdout()))
	return nil
}

func newProjectsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListing(cmd, opts, model.Chain{}, func(a *app, p *printer) {
				p.projects(a.stores.Projects.Items())
			})
		},
	}
}

func newEpicsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "epics <project-id>",
		Short: "List the epics of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListing(cmd, opts, chainFromArgs(args), func(a *app, p *printer) {
				p.epics(a.stores.Epics.Items())
			})
		},
	}
}

func newStoriesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stories <project-id> <epic-id>",
		Short: "List the stories of an epic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListing(cmd, opts, chainFromArgs(args), func(a *app, p *printer) {
				p.stories(a.stores.Stories.Items())
			})
		},
	}
}

func newTasksCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <project-id> <epic-id> <story-id>",
		Short: "List the tasks of a story",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListing(cmd, opts, chainFromArgs(args), func(a *app, p *printer) {
				p.tasks(a.stores.Tasks.Items())
			})
		},
	}
}
