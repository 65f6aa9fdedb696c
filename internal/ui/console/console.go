// Package console is the interactive chat console. It drives the worker
// through the command gateway and renders inbound worker messages: prompt
// responses as chat replies and initialize_status as the network status.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/crowdllama/llamadesk/internal/gateway"
	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/pubsub"
	"github.com/crowdllama/llamadesk/internal/ui/markdown"
)

// inboundBuffer is sized so bursts of worker messages are not dropped
// while the console is rendering.
const inboundBuffer = 256

// Gateway is the command surface the console drives.
type Gateway interface {
	Start(ctx context.Context) gateway.Outcome
	Stop(ctx context.Context) gateway.Outcome
	Status(ctx context.Context) gateway.Status
	Ping(ctx context.Context) gateway.Outcome
	Initialize(ctx context.Context, mode string) gateway.Outcome
	SendPrompt(ctx context.Context, prompt, model string) gateway.Outcome
	OnMessage(fn func(ipc.Message)) pubsub.ObserverID
	RemoveListener(id pubsub.ObserverID) bool
	LastMessage(kind string) (ipc.Message, bool)
}

// Config holds console options.
type Config struct {
	Model         string
	Mode          string
	Markdown      bool
	MarkdownStyle string
	StatusPoll    time.Duration
	AutoStart     bool
	LogTail       bool

	// OnSelection is called after the mode or model changes.
	OnSelection func(mode, model string)
}

type role int

const (
	roleUser role = iota
	roleWorker
	roleSystem
	roleError
)

type entry struct {
	id   string
	role role
	text string
}

type outcomeMsg struct {
	command string
	arg     string
	outcome gateway.Outcome
}

type statusMsg gateway.Status

type statusTickMsg struct{}

// Model is the root Bubble Tea model of the console.
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc
	gw     Gateway
	cfg    Config
	keys   keyMap
	help   help.Model

	width    int
	height   int
	ready    bool
	viewport viewport.Model
	input    textinput.Model
	renderer *markdown.Renderer

	entries  []entry
	status   gateway.Status
	network  string
	lastPing string
	mode     string
	model    string

	broker   *pubsub.Broker[ipc.Message]
	inbound  *pubsub.ContinuousListener[ipc.Message]
	listener pubsub.ObserverID
	logs     *log.LogListener
	logPane  logPane
	showLogs bool
}

// New creates the console and registers it for inbound messages. Call
// Close when the program exits.
func New(ctx context.Context, gw Gateway, cfg Config) Model {
	if cfg.StatusPoll <= 0 {
		cfg.StatusPoll = 5 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = string(ipc.ModeConsumer)
	}

	ctx, cancel := context.WithCancel(ctx)
	broker := pubsub.NewBrokerWithBuffer[ipc.Message](inboundBuffer)
	inbound := pubsub.NewContinuousListener[ipc.Message](ctx, broker)
	listener := gw.OnMessage(func(msg ipc.Message) {
		broker.Publish(pubsub.CreatedEvent, msg)
	})

	input := textinput.New()
	input.Placeholder = "Ask something, or /help"
	input.Prompt = "› "
	input.CharLimit = 4000
	input.Focus()

	m := Model{
		ctx:      ctx,
		cancel:   cancel,
		gw:       gw,
		cfg:      cfg,
		keys:     defaultKeyMap(),
		help:     help.New(),
		input:    input,
		mode:     cfg.Mode,
		model:    cfg.Model,
		broker:   broker,
		inbound:  inbound,
		listener: listener,
		lastPing: "never",
	}
	if cfg.LogTail {
		m.logs = log.NewListener(ctx)
	}
	if last, ok := gw.LastMessage(ipc.TypeInitializeStatus); ok {
		if st, ok := last.(ipc.InitializeStatus); ok {
			m.network = st.Text
		}
	}
	m.addEntry(roleSystem, "Welcome to llamadesk. Type a prompt, or /help for commands.")
	return m
}

// Close detaches the console from the gateway.
func (m Model) Close() {
	m.gw.RemoveListener(m.listener)
	m.cancel()
	m.broker.Close()
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.inbound.Listen(), m.fetchStatus(), m.tick()}
	if m.logs != nil {
		cmds = append(cmds, m.logs.Listen())
	}
	if m.cfg.AutoStart {
		cmds = append(cmds, m.run("start", "", m.gw.Start))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case pubsub.Event[ipc.Message]:
		m.receive(msg.Payload)
		return m, m.inbound.Listen()

	case log.LogEvent:
		m.logPane.add(msg.Payload)
		if m.logs == nil {
			return m, nil
		}
		return m, m.logs.Listen()

	case outcomeMsg:
		cmd := m.applyOutcome(msg)
		return m, cmd

	case statusMsg:
		m.status = gateway.Status(msg)
		return m, nil

	case statusTickMsg:
		return m, tea.Batch(m.fetchStatus(), m.tick())
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Start):
		return m, m.run("start", "", m.gw.Start)
	case key.Matches(msg, m.keys.Stop):
		return m, m.run("stop", "", m.gw.Stop)
	case key.Matches(msg, m.keys.Ping):
		return m, m.run("ping", "", m.gw.Ping)
	case key.Matches(msg, m.keys.Worker):
		return m, m.initialize(string(ipc.ModeWorker))
	case key.Matches(msg, m.keys.Consumer):
		return m, m.initialize(string(ipc.ModeConsumer))
	case key.Matches(msg, m.keys.Logs):
		m.toggleLogs()
		return m, nil
	case key.Matches(msg, m.keys.Up, m.keys.Down):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case key.Matches(msg, m.keys.Send):
		return m.submit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.Reset()

	if strings.HasPrefix(text, "/") {
		return m.slash(text)
	}

	m.addEntry(roleUser, text)
	model := m.model
	return m, m.run("send_prompt", text, func(ctx context.Context) gateway.Outcome {
		return m.gw.SendPrompt(ctx, text, model)
	})
}

func (m Model) slash(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/start":
		return m, m.run("start", "", m.gw.Start)
	case "/stop":
		return m, m.run("stop", "", m.gw.Stop)
	case "/ping":
		return m, m.run("ping", "", m.gw.Ping)
	case "/status":
		return m, m.fetchStatus()
	case "/init", "/mode":
		if arg == "" {
			arg = m.mode
		}
		return m, m.initialize(arg)
	case "/model":
		if arg == "" {
			m.addEntry(roleSystem, fmt.Sprintf("Current model: %s", m.model))
			return m, nil
		}
		m.model = arg
		m.addEntry(roleSystem, fmt.Sprintf("Model set to %s", arg))
		m.notifySelection()
		return m, nil
	case "/clear":
		m.entries = nil
		m.refresh()
		return m, nil
	case "/logs":
		m.toggleLogs()
		return m, nil
	case "/help":
		m.addEntry(roleSystem, strings.Join([]string{
			"/start, /stop     start or stop the worker",
			"/ping             probe the worker now",
			"/status           refresh the worker status",
			"/init <mode>      join as worker or consumer",
			"/model <name>     model used for prompts",
			"/clear            clear the conversation",
			"/logs             toggle the log pane",
		}, "\n"))
		return m, nil
	default:
		m.addEntry(roleError, fmt.Sprintf("Unknown command %s (try /help)", fields[0]))
		return m, nil
	}
}

func (m Model) initialize(mode string) tea.Cmd {
	return m.run("initialize", mode, func(ctx context.Context) gateway.Outcome {
		return m.gw.Initialize(ctx, mode)
	})
}

// run wraps a gateway call in a command that reports its outcome.
func (m Model) run(command, arg string, fn func(context.Context) gateway.Outcome) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return outcomeMsg{command: command, arg: arg, outcome: fn(ctx)}
	}
}

func (m Model) fetchStatus() tea.Cmd {
	ctx, gw := m.ctx, m.gw
	return func() tea.Msg {
		return statusMsg(gw.Status(ctx))
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.StatusPoll, func(time.Time) tea.Msg {
		return statusTickMsg{}
	})
}

func (m *Model) applyOutcome(msg outcomeMsg) tea.Cmd {
	out := msg.outcome
	if !out.Success {
		log.Debug(log.CatUI, "Command failed", "command", msg.command, "message", out.Message)
	}

	switch msg.command {
	case "ping":
		stamp := time.Now().Format("15:04:05")
		if out.Success {
			m.lastPing = "ok " + stamp
		} else {
			m.lastPing = "failed " + stamp
			m.addEntry(roleError, "Ping failed: "+out.Message)
		}
		return nil

	case "send_prompt":
		if !out.Success {
			m.addEntry(roleError, "Prompt not sent: "+out.Message)
		}
		return nil

	case "initialize":
		if out.Success {
			if mode, err := ipc.ParseMode(msg.arg); err == nil {
				m.mode = string(mode)
			}
			m.addEntry(roleSystem, out.Message)
			m.notifySelection()
		} else {
			m.addEntry(roleError, "Initialize failed: "+out.Message)
		}
		return nil
	}

	if out.Success {
		m.addEntry(roleSystem, out.Message)
	} else {
		m.addEntry(roleError, fmt.Sprintf("%s failed: %s", msg.command, out.Message))
	}
	// start and stop change what status reports.
	return m.fetchStatus()
}

func (m *Model) receive(msg ipc.Message) {
	switch msg := msg.(type) {
	case ipc.PromptResponse:
		m.addEntry(roleWorker, msg.Content)
	case ipc.InitializeStatus:
		m.network = msg.Text
		m.addEntry(roleSystem, "Network: "+msg.Text)
	default:
		m.addEntry(roleSystem, fmt.Sprintf("[%s] %s", msg.Type(), msg.Raw()))
	}
}

func (m *Model) notifySelection() {
	if m.cfg.OnSelection != nil {
		m.cfg.OnSelection(m.mode, m.model)
	}
}

func (m *Model) addEntry(r role, text string) {
	m.entries = append(m.entries, entry{id: uuid.NewString(), role: r, text: text})
	m.refresh()
}

func (m *Model) toggleLogs() {
	if !m.cfg.LogTail {
		m.addEntry(roleSystem, "Log pane is disabled (enable the log-tail flag)")
		return
	}
	m.showLogs = !m.showLogs
	m.resize(m.width, m.height)
}

// Layout: header, conversation, optional log pane, status bar, input, help.
const chromeHeight = 6

func (m *Model) logHeight() int {
	if !m.showLogs {
		return 0
	}
	return max(m.height/3, 5)
}

func (m *Model) resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	widthChanged := width != m.width
	m.width, m.height = width, height

	vh := max(height-chromeHeight-m.logHeight(), 1)
	if !m.ready {
		m.viewport = viewport.New(width, vh)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vh
	}
	m.input.Width = max(width-4, 10)
	m.help.Width = width

	if m.cfg.Markdown && (widthChanged || m.renderer == nil) {
		r, err := markdown.New(max(width-2, 20), m.cfg.MarkdownStyle)
		if err != nil {
			log.ErrorErr(log.CatUI, "Markdown renderer unavailable", err)
		}
		m.renderer = r
	}
	m.refresh()
}

// refresh re-renders the conversation into the viewport.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	width := max(m.viewport.Width-2, 10)

	blocks := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		blocks = append(blocks, m.renderEntry(e, width))
	}
	m.viewport.SetContent(strings.Join(blocks, "\n\n"))
	m.viewport.GotoBottom()
}

func (m *Model) renderEntry(e entry, width int) string {
	switch e.role {
	case roleUser:
		return userLabel.Render("you") + "\n" + markdown.Plain(e.text, width)
	case roleWorker:
		body := markdown.Plain(e.text, width)
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(e.text); err == nil {
				body = rendered
			}
		}
		return workerLabel.Render("worker") + "\n" + body
	case roleError:
		return errorLabel.Render(markdown.Plain("! "+e.text, width))
	default:
		return systemLabel.Render(markdown.Plain(e.text, width))
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Starting llamadesk..."
	}

	sections := []string{m.headerView(), m.viewport.View()}
	if m.showLogs {
		sections = append(sections, m.logPane.view(m.width, m.logHeight()))
	}
	sections = append(sections,
		statusBarStyle.Width(m.width).Render(m.statusLine()),
		m.input.View(),
		m.help.View(m.keys),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) headerView() string {
	state := stoppedStyle.Render("○ stopped")
	if m.status.IsRunning && m.status.PID != nil {
		state = runningStyle.Render(fmt.Sprintf("● running (pid %d)", *m.status.PID))
	}
	return titleStyle.Render("llamadesk") + "  " + state
}

func (m Model) statusLine() string {
	network := m.network
	if network == "" {
		network = "not joined"
	}
	parts := []string{
		"mode " + m.mode,
		"model " + m.model,
		"network " + network,
		"ping " + m.lastPing,
	}
	return mutedStyle.Render(strings.Join(parts, " │ "))
}
