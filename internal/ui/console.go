package ui

import (
	"fmt"
	"io"
	"text/tabwriter"

	"badgexfer/internal/content"
	"badgexfer/internal/hatchery"
	"badgexfer/pkg/utils"
)

// ConsoleUI prints listings and status lines.
type ConsoleUI struct {
	out io.Writer
}

// NewConsoleUI creates a console UI writing to out.
func NewConsoleUI(out io.Writer) *ConsoleUI {
	return &ConsoleUI{out: out}
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(message string) {
	fmt.Fprintln(c.out, message)
}

// ShowItems lists the files queued for sending.
func (c *ConsoleUI) ShowItems(items []content.Item) {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, it := range items {
		digest := it.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", it.Name, utils.FormatFileSize(int64(it.Size())), digest)
	}
	fmt.Fprintf(w, "%d files\t%s\t\n", len(items), utils.FormatFileSize(content.TotalSize(items)))
	_ = w.Flush()
}

// ShowEggs lists hatchery eggs by category.
func (c *ConsoleUI) ShowEggs(categories []hatchery.Category) {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, cat := range categories {
		fmt.Fprintf(w, "%s\n", cat.Name)
		for _, egg := range cat.Eggs {
			fmt.Fprintf(w, "  %s\t%s\trev %s\t%s\n", egg.Slug, egg.Name, egg.Revision, utils.FormatFileSize(int64(egg.SizeOfContent)))
		}
	}
	_ = w.Flush()
}
