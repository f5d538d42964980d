// Package inspector provides an interactive terminal UI for single-stepping
// the interpreter and watching the JIT core's internal state evolve: JIT
// table occupancy, the live trace assembler, and the runtime's diagnostic
// counters.
package inspector

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"

	"tracevm/bytecode"
	"tracevm/interp"
	"tracevm/jit"
)

type model struct {
	rt *jit.Runtime
	ip *interp.Interpreter
	th *interp.Thread

	method *bytecode.Method
	prevPC int
	error  error
	done   bool
}

// Init is the first function that will be called. It returns an optional
// initial command. To not perform an initial command return nil.
func (m model) Init() tea.Cmd {
	return nil
}

// Update is called when a message is received. Use it to inspect messages
// and, in response, update the model and/or send a command.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case " ", "j":
			if m.done {
				return m, nil
			}
			m.prevPC = m.th.PC.Offset
			done, err := m.ip.Dispatch(m.th)
			if err != nil {
				m.error = err
				return m, tea.Quit
			}
			m.done = done
		}
	}
	return m, nil
}

// renderInsns renders the method's instruction stream as a single line,
// highlighting the current PC.
func (m model) renderInsns() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-10s | ", m.method.Name))
	for i, insn := range m.method.Insns {
		if i == m.th.PC.Offset {
			fmt.Fprintf(&b, "[%02x] ", insn)
		} else {
			fmt.Fprintf(&b, " %02x  ", insn)
		}
	}
	return b.String()
}

func (m model) status() string {
	return fmt.Sprintf(`
PC: %d (%d)
State: %s
TotalTraceLen: %d
CurrTraceRun: %d
`,
		m.th.PC.Offset, m.prevPC,
		m.th.Asm.State,
		m.th.Asm.TotalTraceLen,
		m.th.Asm.CurrTraceRun,
	)
}

func (m model) tableView() string {
	snap := m.rt.Stats()
	return fmt.Sprintf(
		"slots %d/%d | chained %d | queue %d/%d | hits %d | misses %d",
		snap.Table.Occupied, snap.Table.Capacity,
		snap.Table.Chained,
		snap.QueueLen, snap.QueueHighWater,
		snap.Table.LookupHits, snap.Table.LookupMisses,
	)
}

// View renders the TUI, which is just a string. It is rendered after every
// Update.
func (m model) View() string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderInsns(),
		lipgloss.JoinHorizontal(
			lipgloss.Top,
			m.status(),
			m.tableView(),
		),
		"",
		spew.Sdump(m.rt.Stats().ExitStats),
	)
}

// Run starts an interactive TUI single-stepping ip's interpretation of
// method, starting at thread th.
func Run(rt *jit.Runtime, ip *interp.Interpreter, th *interp.Thread, method *bytecode.Method) error {
	m, err := tea.NewProgram(model{
		rt:     rt,
		ip:     ip,
		th:     th,
		method: method,
	}).Run()
	if err != nil {
		return err
	}
	if x, ok := m.(model); ok && x.error != nil {
		return x.error
	}
	return nil
}
