package terminal

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/session"
)

type styles struct {
	shellPrompt lipgloss.Style
	aiPrompt    lipgloss.Style
	autoPrompt  lipgloss.Style
	badge       lipgloss.Style
	dim         lipgloss.Style
	warning     lipgloss.Style
	errorText   lipgloss.Style
	ok          lipgloss.Style
	failed      lipgloss.Style
}

func newStyles() styles {
	return styles{
		shellPrompt: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		aiPrompt:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		autoPrompt:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")),
		badge:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1),
		dim:         lipgloss.NewStyle().Faint(true),
		warning:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		errorText:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		ok:          lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		failed:      lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

func (s styles) prompt(mode session.Mode, dir string) string {
	st := s.shellPrompt
	switch mode {
	case session.ModeAI:
		st = s.aiPrompt
	case session.ModeAuto:
		st = s.autoPrompt
	}
	return st.Render(string(mode)) + " " + s.dim.Render(dir) + " > "
}

func (s styles) status(st agent.Status) string {
	switch st {
	case agent.StatusVerified:
		return s.ok.Render("✓")
	case agent.StatusFailed:
		return s.failed.Render("✗")
	}
	return s.dim.Render("…")
}
