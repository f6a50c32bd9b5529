package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/audionode"
	"github.com/wavegen/dsp-runtime/metadata"
	"github.com/wavegen/dsp-runtime/poly"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	paramStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	rangeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type paramEntry struct {
	path string
	ctl  *metadata.Node
}

type tuiState int

const (
	stateSelectParam tuiState = iota
	stateEditValue
)

type tuiModel struct {
	node    dspruntime.AudioNode
	engine  *poly.Engine // nil for mono nodes
	name    string
	params  []paramEntry
	input   textinput.Model
	cursor  int
	state   tuiState
	status  string
	nextKey int
	held    map[int]poly.VoiceID
}

func newTUIModel(n dspruntime.AudioNode, name string) *tuiModel {
	var params []paramEntry
	for _, c := range n.Params().Controls() {
		if c.Type.IsOutput() {
			continue
		}
		params = append(params, paramEntry{path: c.Path, ctl: c})
	}

	ti := textinput.New()
	ti.Placeholder = "value"
	ti.CharLimit = 32
	ti.Width = 16

	engine, _ := n.(*poly.Engine)
	return &tuiModel{
		node:    n,
		engine:  engine,
		name:    name,
		params:  params,
		input:   ti,
		nextKey: 60,
		held:    map[int]poly.VoiceID{},
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return nil
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	if m.state == stateEditValue {
		switch key.String() {
		case "enter":
			v, err := strconv.ParseFloat(m.input.Value(), 32)
			if err != nil {
				m.status = errorStyle.Render("not a number: " + m.input.Value())
			} else {
				m.node.SetParamValue(m.params[m.cursor].path, float32(v))
				m.status = ""
			}
			m.state = stateSelectParam
			m.input.Blur()
			return m, nil
		case "esc":
			m.state = stateSelectParam
			m.input.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.params)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.params) > 0 {
			m.state = stateEditValue
			m.input.SetValue("")
			m.input.Focus()
			return m, textinput.Blink
		}
	case "n":
		if m.engine != nil {
			id := m.engine.NoteOn(m.nextKey, 0.8)
			if id != poly.NoVoice {
				m.held[m.nextKey] = id
				m.status = fmt.Sprintf("note on %d", m.nextKey)
			}
			m.nextKey++
			if m.nextKey > 72 {
				m.nextKey = 60
			}
		}
	case "m":
		if m.engine != nil {
			for key, id := range m.held {
				m.engine.NoteOff(id)
				delete(m.held, key)
				m.status = fmt.Sprintf("note off %d", key)
				break
			}
		}
	}
	return m, nil
}

func (m *tuiModel) View() string {
	s := titleStyle.Render("dspnode: "+m.name) + "\n\n"

	for i, p := range m.params {
		line := fmt.Sprintf("%-40s %10.4g  %s",
			p.path,
			m.node.GetParamValue(p.path),
			rangeStyle.Render(fmt.Sprintf("[%g..%g]", p.ctl.Min, p.ctl.Max)))
		if i == m.cursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + paramStyle.Render(line)
		}
		s += line + "\n"
	}

	if m.state == stateEditValue {
		s += "\n" + m.params[m.cursor].path + " = " + m.input.View() + "\n"
	}
	if m.status != "" {
		s += "\n" + m.status + "\n"
	}

	help := "up/down: select  enter: edit  q: quit"
	if m.engine != nil {
		help += fmt.Sprintf("  n: note on  m: note off  (%d/%d voices)",
			m.engine.ActiveVoices(), m.engine.Voices())
	}
	s += "\n" + helpStyle.Render(help) + "\n"
	return s
}

// runInteractive drives the node from a terminal parameter panel. Audio
// keeps rendering only under -play; here the panel is for inspection and
// parameter editing.
func runInteractive(n dspruntime.AudioNode, req audionode.Request) error {
	p := tea.NewProgram(newTUIModel(n, req.Name))
	_, err := p.Run()
	return err
}
