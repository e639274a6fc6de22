package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aneshas/catalog/categoryview"
)

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Create categories and books the three ways a book gets categorized and print the projected categories",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			return a.demo(cmd.Context(), cmd.OutOrStdout())
		}),
	}
}

// demo projects after every commit, the way an inline projection would
func (a *app) demo(ctx context.Context, out io.Writer) error {
	var categories []string

	for i := range 5 {
		id, err := a.svc.CreateCategory(ctx, strconv.Itoa(i))
		if err != nil {
			return err
		}

		categories = append(categories, id)
	}

	if err := a.projector.CatchUp(ctx); err != nil {
		return err
	}

	_, err := a.svc.CreateBook(ctx, "Test", "Author", categories[0])
	if err != nil {
		return err
	}

	if err := a.printCategory(ctx, out, categories[0]); err != nil {
		return err
	}

	two, err := a.svc.CreateBook(ctx, "TestTwo", "AuthorTwo", "")
	if err != nil {
		return err
	}

	if err := a.projector.CatchUp(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "Now assigning category")

	if err := a.svc.AssignCategory(ctx, two, categories[1]); err != nil {
		return err
	}

	if err := a.printCategory(ctx, out, categories[1]); err != nil {
		return err
	}

	three, err := a.svc.CreateBook(ctx, "TestThreeUnchanged", "AuthorThreeUnchanged", "")
	if err != nil {
		return err
	}

	if err := a.projector.CatchUp(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "Now assigning category")

	if err := a.svc.AssignCategory(ctx, three, categories[2]); err != nil {
		return err
	}

	if err := a.projector.CatchUp(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "Now changing books")

	if err := a.svc.ChangeBook(ctx, three, "NewName", "NewAuthor"); err != nil {
		return err
	}

	return a.printCategory(ctx, out, categories[2])
}

func (a *app) printCategory(ctx context.Context, out io.Writer, id string) error {
	if err := a.projector.CatchUp(ctx); err != nil {
		return err
	}

	snap, err := a.views.Get(ctx, id)
	if err != nil {
		return err
	}

	if snap.State == nil {
		return fmt.Errorf("category %s not found", id)
	}

	printCategory(out, snap.State)

	return nil
}

func printCategory(out io.Writer, c *categoryview.Category) {
	fmt.Fprintf(out, "Category { Id = %s, Name = %s }\n", c.ID, c.Name)
	fmt.Fprintln(out, len(c.Books))

	for _, b := range c.BookList() {
		fmt.Fprintf(out, "Book { Id = %s, Name = %s, Author = %s }\n", b.ID, b.Name, b.Author)
	}
}
