package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-tracker/internal/model"
)

// printer writes entity listings, styled when the destination is a terminal.
type printer struct {
	w      io.Writer
	styled bool

	header lipgloss.Style
	id     lipgloss.Style
	done   lipgloss.Style
	dim    lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd())
	}
	return &printer{
		w:      w,
		styled: styled,
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		id:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		done:   lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) heading(title string, n int) {
	fmt.Fprintln(p.w, p.render(p.header, fmt.Sprintf("%s (%d)", title, n)))
}

func (p *printer) line(id, title, detail string) {
	if detail != "" {
		fmt.Fprintf(p.w, "  %s  %s  %s\n", p.render(p.id, id), title, p.render(p.dim, detail))
		return
	}
	fmt.Fprintf(p.w, "  %s  %s\n", p.render(p.id, id), title)
}

func (p *printer) projects(items []model.Project) {
	p.heading("Projects", len(items))
	for _, it := range items {
		p.line(it.ID, it.Title, it.Description)
	}
}

func (p *printer) epics(items []model.Epic) {
	p.heading("Epics", len(items))
	for _, it := range items {
		p.line(it.ID, it.Title, "")
	}
}

func (p *printer) stories(items []model.Story) {
	p.heading("Stories", len(items))
	for _, it := range items {
		p.line(it.ID, it.Title, it.Description)
	}
}

func (p *printer) tasks(items []model.Task) {
	p.heading("Tasks", len(items))
	for _, it := range items {
		p.task(it)
	}
}

func (p *printer) task(t model.Task) {
	mark := "[ ]"
	if t.Completed {
		mark = p.render(p.done, "[x]")
	}
	fmt.Fprintf(p.w, "  %s %s  %s\n", mark, p.render(p.id, t.ID), t.Title)
}
