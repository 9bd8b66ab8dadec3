package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"murmur/clipboard"
	"murmur/orchestrator"
	"murmur/playback"
)

// controls is the part of the orchestrator the TUI drives.
type controls interface {
	StartHold() error
	DragTo(orchestrator.Zone) error
	Release() error
	BeginEdit() error
	ConfirmEdit(string) error
	SendVoice() error
	Cancel() error
	SetLanguage(string) error
	SetMode(orchestrator.Mode) error
}

type player interface {
	Play(path string)
	Toggle()
	Pause()
}

// TUI message types
type stateMsg orchestrator.State
type playbackMsg playback.Event
type statusMsg string
type tickMsg time.Time

var languageCycle = []string{"en", "es", "fr", "de", "pt", "multi"}

type tuiModel struct {
	ctl  controls
	play player
	copy func(string) error

	st            orchestrator.State
	frame         int
	width, height int
	provider      string
	device        string
	status        string
	editBuf       []rune

	playing  bool
	playPath string
	playPos  time.Duration
	playLeft time.Duration
}

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	cancelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	liveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	waveRecStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	waveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

func newTUIModel(ctl controls, play player, provider, device string) tuiModel {
	return tuiModel{
		ctl:      ctl,
		play:     play,
		copy:     clipboard.Copy,
		provider: provider,
		device:   device,
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case stateMsg:
		prev := m.st
		m.st = orchestrator.State(msg)
		if m.st.Editing && !prev.Editing {
			m.editBuf = []rune(m.st.EditText)
		}
		if m.st.Phase.Kind != orchestrator.TranscriptionComplete {
			m.stopPreview()
		}

	case playbackMsg:
		switch msg.Kind {
		case playback.EventProgress:
			m.playPos, m.playLeft = msg.Position, msg.Remaining
		case playback.EventPlayedToEnd:
			m.playing = false
			m.playPos, m.playLeft = 0, 0
		case playback.EventError:
			m.playing = false
			m.status = "playback: " + msg.Err.Error()
		}

	case statusMsg:
		m.status = string(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	if m.st.Editing {
		return m.handleEditKey(msg)
	}

	var err error
	phase := m.st.Phase.Kind
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case " ":
		// Terminals report no key-up, so space toggles hold and release.
		if phase == orchestrator.Idle {
			err = m.ctl.StartHold()
		} else {
			err = m.ctl.Release()
		}
	case "x":
		err = m.ctl.DragTo(orchestrator.ZoneCancel)
	case "t":
		err = m.ctl.DragTo(orchestrator.ZoneConvertToText)
	case "n":
		err = m.ctl.DragTo(orchestrator.ZoneNone)
	case "e":
		err = m.ctl.BeginEdit()
	case "enter":
		if phase == orchestrator.TranscriptionComplete && m.st.Phase.Text != "" {
			err = m.ctl.ConfirmEdit(m.st.Phase.Text)
		}
	case "v":
		err = m.ctl.SendVoice()
	case "esc":
		err = m.ctl.Cancel()
	case "p":
		m.togglePreview()
	case "y":
		if text := m.transcript(); text != "" {
			if cerr := m.copy(text); cerr != nil {
				m.status = "copy: " + cerr.Error()
			} else {
				m.status = "copied to clipboard"
			}
		}
	case "l":
		err = m.ctl.SetLanguage(nextLanguage(m.st.Language))
	case "m":
		next := orchestrator.ModeSimple
		if m.st.Mode == orchestrator.ModeSimple {
			next = orchestrator.ModeStream
		}
		err = m.ctl.SetMode(next)
	}
	if err != nil {
		m.status = err.Error()
	} else if msg.String() != "y" && msg.String() != "p" {
		m.status = ""
	}
	return m, nil
}

func (m tuiModel) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		if err := m.ctl.ConfirmEdit(string(m.editBuf)); err != nil {
			m.status = err.Error()
		}
	case tea.KeyEsc:
		if err := m.ctl.Cancel(); err != nil {
			m.status = err.Error()
		}
	case tea.KeyBackspace:
		if len(m.editBuf) > 0 {
			m.editBuf = m.editBuf[:len(m.editBuf)-1]
		}
	case tea.KeySpace:
		m.editBuf = append(m.editBuf, ' ')
	case tea.KeyRunes:
		m.editBuf = append(m.editBuf, msg.Runes...)
	}
	return m, nil
}

func (m *tuiModel) togglePreview() {
	if m.st.Phase.Kind != orchestrator.TranscriptionComplete || m.st.Recording.Path == "" {
		return
	}
	if m.playPath != m.st.Recording.Path {
		m.playPath = m.st.Recording.Path
		m.playing = true
		m.play.Play(m.playPath)
		return
	}
	m.play.Toggle()
	m.playing = !m.playing
}

func (m *tuiModel) stopPreview() {
	if m.playPath == "" {
		return
	}
	m.play.Pause()
	m.playPath = ""
	m.playing = false
	m.playPos, m.playLeft = 0, 0
}

func (m tuiModel) transcript() string {
	if m.st.Phase.Kind == orchestrator.TranscriptionComplete {
		return m.st.Phase.Text
	}
	return m.st.TranscribedText
}

func nextLanguage(cur string) string {
	for i, l := range languageCycle {
		if l == cur {
			return languageCycle[(i+1)%len(languageCycle)]
		}
	}
	return languageCycle[0]
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	width := max(m.width-2, 20)
	flags := orchestrator.DeriveFlags(m.st)

	var b strings.Builder
	b.WriteString(m.statusLine() + "\n\n")

	if flags.ShowOverlay {
		capturing := isCapturing(m.st.Phase.Kind)
		style := waveStyle
		if capturing {
			style = waveRecStyle
		}
		b.WriteString(style.Render(renderWaveform(m.st.Recording.Samples, min(width, 100))) + "\n")
		b.WriteString(dimStyle.Render(formatClock(m.st.Recording.Duration)))
		if m.playPath != "" {
			icon := "⏸"
			if m.playing {
				icon = "▶"
			}
			b.WriteString(dimStyle.Render(fmt.Sprintf("   %s %s / -%s", icon, formatClock(m.playPos), formatClock(m.playLeft))))
		}
		b.WriteString("\n\n")
	}

	switch {
	case m.st.Editing:
		for _, line := range wrapText(string(m.editBuf)+"▏", width) {
			b.WriteString(textStyle.Render(line) + "\n")
		}
	case m.st.Phase.Kind == orchestrator.TranscriptionComplete && m.st.Phase.Text != "":
		for _, line := range wrapText(m.st.Phase.Text, width) {
			b.WriteString(textStyle.Render(line) + "\n")
		}
	case m.st.TranscribedText != "":
		for _, line := range wrapText(m.st.TranscribedText, width) {
			b.WriteString(liveStyle.Render(line) + "\n")
		}
	}

	if msg := orchestrator.DisplayMessage(m.st); msg != "" {
		style := errStyle
		switch {
		case flags.ShowPermissionWait:
			style = warnStyle
		case flags.ShowCouldntHear && !flags.ShowError:
			style = warnStyle
		}
		b.WriteString(style.Render(msg) + "\n")
	}
	if m.status != "" {
		b.WriteString(dimStyle.Render(m.status) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.modeLine()) + "\n")
	b.WriteString(dimStyle.Render("mic: "+m.device) + "\n")
	if m.st.ReplyTo != "" || len(m.st.Attachments) > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("reply: %s  attachments: %d", m.st.ReplyTo, len(m.st.Attachments))) + "\n")
	}
	b.WriteString("\n" + m.helpLine() + "\n")

	return lipgloss.NewStyle().Width(m.width).MaxHeight(m.height).Padding(0, 1).Render(b.String())
}

func (m tuiModel) statusLine() string {
	switch m.st.Phase.Kind {
	case orchestrator.Recording:
		dot := "●"
		if m.frame%10 >= 5 {
			dot = "○"
		}
		return recStyle.Render(fmt.Sprintf("%s REC %.1fs", dot, m.st.Recording.Duration.Seconds()))
	case orchestrator.DraggingToCancel:
		return cancelStyle.Render("✕ release to cancel")
	case orchestrator.DraggingToConvertToText:
		return textStyle.Bold(true).Render("T release to convert to text")
	case orchestrator.ProcessingTranscription:
		spinner := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		return textStyle.Render(spinner[m.frame%len(spinner)] + " transcribing")
	case orchestrator.TranscriptionComplete:
		if m.st.Phase.Text == "" {
			return warnStyle.Render("○ nothing to send")
		}
		return okStyle.Render("✓ ready to send")
	}
	if m.st.PermissionPending {
		return warnStyle.Render("… waiting for microphone")
	}
	return dimStyle.Render("○ STANDBY")
}

func (m tuiModel) modeLine() string {
	label := m.provider
	if m.st.Language != "" {
		label += " (" + m.st.Language + ")"
	}
	return fmt.Sprintf("[%s | %s]", m.st.Mode, label)
}

func (m tuiModel) helpLine() string {
	key := func(k, what string) string { return keyStyle.Render(k) + helpStyle.Render(" "+what) }
	var parts []string
	switch m.st.Phase.Kind {
	case orchestrator.Idle:
		parts = []string{key("space", "record"), key("l", "language"), key("m", "mode"), key("q", "quit")}
	case orchestrator.Recording, orchestrator.DraggingToCancel, orchestrator.DraggingToConvertToText:
		parts = []string{key("space", "release"), key("x", "cancel zone"), key("t", "text zone"), key("n", "no zone"), key("esc", "cancel")}
	case orchestrator.ProcessingTranscription:
		parts = []string{key("esc", "cancel")}
	case orchestrator.TranscriptionComplete:
		if m.st.Editing {
			parts = []string{key("enter", "send"), key("esc", "discard")}
		} else {
			if m.st.Phase.Text != "" {
				parts = append(parts, key("enter", "send text"), key("e", "edit"), key("y", "copy"))
			}
			parts = append(parts, key("v", "send voice"), key("p", "play"), key("esc", "discard"))
		}
	}
	return strings.Join(parts, helpStyle.Render("  "))
}

func isCapturing(k orchestrator.PhaseKind) bool {
	return k == orchestrator.Recording || k == orchestrator.DraggingToCancel || k == orchestrator.DraggingToConvertToText
}

var waveBars = []rune("▁▂▃▄▅▆▇█")

// renderWaveform draws the most recent width samples as bars. Samples are
// already normalized to [0, 1].
func renderWaveform(samples []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	out := make([]rune, 0, width)
	for range width - len(samples) {
		out = append(out, waveBars[0])
	}
	for _, s := range samples {
		i := int(math.Round(min(max(s, 0), 1) * float64(len(waveBars)-1)))
		out = append(out, waveBars[i])
	}
	return string(out)
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// wrapText breaks on spaces where possible; longer words are split.
func wrapText(text string, width int) []string {
	if text == "" {
		return []string{""}
	}
	width = max(width, 1)

	var lines []string
	runes := []rune(text)
	for len(runes) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(runes[:splitAt]))
		runes = []rune(strings.TrimLeft(string(runes[splitAt:]), " "))
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}
