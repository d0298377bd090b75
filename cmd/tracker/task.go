package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-tracker/internal/model"
)

func newTaskCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Add, complete or remove tasks",
	}
	cmd.AddCommand(newTaskAddCommand(opts))
	cmd.AddCommand(newTaskDoneCommand(opts))
	cmd.AddCommand(newTaskRemoveCommand(opts))
	return cmd
}

func taskKey(args []string) model.TaskKey {
	return model.TaskKey{ProjectID: args[0], EpicID: args[1], StoryID: args[2]}
}

func newTaskAddCommand(opts *rootOptions) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add <project-id> <epic-id> <story-id> <title...>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			draft := model.Task{Title: strings.Join(args[3:], " "), Description: description}
			created, err := a.stores.Tasks.Create(ctx, taskKey(args), draft)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			newPrinter(cmd.OutOrStdout()).task(created)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	return cmd
}

func newTaskDoneCommand(opts *rootOptions) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done <project-id> <epic-id> <story-id> <task-id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			key := taskKey(args)
			current, found, err := a.stores.Tasks.Get(ctx, key, args[3])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			if !found {
				return fmt.Errorf("task %s not found", args[3])
			}
			current.Completed = !undo
			updated, err := a.stores.Tasks.Update(ctx, key, current.ID, current)
			if err != nil {
				return fmt.Errorf("update task: %w", err)
			}
			newPrinter(cmd.OutOrStdout()).task(updated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the task not completed")
	return cmd
}

func newTaskRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <project-id> <epic-id> <story-id> <task-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.stores.Tasks.Delete(ctx, taskKey(args), args[3]); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[3])
			return nil
		},
	}
}
